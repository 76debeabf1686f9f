package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"timetable-sync/internal/authz"
	"timetable-sync/internal/domain"
	"timetable-sync/internal/dto"
	"timetable-sync/pkg/timetable"

	"github.com/google/uuid"
)

const (
	testSecret = "transport-test-secret"
	testIssuer = "timetable-sync-test"
)

// fakeDevices is an in-memory DeviceService with the real pairing semantics:
// one registration, one link, one exchange, rotation on refresh.
type fakeDevices struct {
	mu     sync.Mutex
	regs   map[domain.DeviceID]*fakeRegistration
	byCode map[string]domain.DeviceID
	tokens map[string]*domain.DeviceToken
	seq    int
}

type fakeRegistration struct {
	code      string
	userID    *domain.UserID
	linked    bool
	expiresAt time.Time
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		regs:   make(map[domain.DeviceID]*fakeRegistration),
		byCode: make(map[string]domain.DeviceID),
		tokens: make(map[string]*domain.DeviceToken),
	}
}

func (f *fakeDevices) Register(ctx context.Context, fingerprint string) (*dto.RegisterDeviceResponse, error) {
	if strings.TrimSpace(fingerprint) == "" {
		return nil, fmt.Errorf("%w: fingerprint is required", domain.ErrInvalidPayload)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := uuid.New()
	code := fmt.Sprintf("CODE%04d", f.seq)
	exp := time.Now().UTC().Add(10 * time.Minute)
	f.regs[id] = &fakeRegistration{code: code, expiresAt: exp}
	f.byCode[code] = id
	return &dto.RegisterDeviceResponse{DeviceID: id.String(), PairingCode: code, ExpiresAt: exp}, nil
}

func (f *fakeDevices) Link(ctx context.Context, userID domain.UserID, pairingCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byCode[strings.ToUpper(strings.TrimSpace(pairingCode))]
	if !ok {
		return domain.ErrRegistrationNotFound
	}
	reg := f.regs[id]
	if time.Now().UTC().After(reg.expiresAt) {
		return domain.ErrRegistrationExpired
	}
	if reg.linked {
		return domain.ErrAlreadyLinked
	}
	reg.linked = true
	reg.userID = &userID
	return nil
}

func (f *fakeDevices) Exchange(ctx context.Context, deviceID domain.DeviceID, pairingCode string) (*dto.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.regs[deviceID]
	if !ok || reg.code != strings.ToUpper(strings.TrimSpace(pairingCode)) {
		return nil, domain.ErrRegistrationNotFound
	}
	if time.Now().UTC().After(reg.expiresAt) {
		return nil, domain.ErrRegistrationExpired
	}
	if !reg.linked {
		return nil, domain.ErrNotLinked
	}
	delete(f.regs, deviceID)
	delete(f.byCode, reg.code)
	return f.issueLocked(deviceID, *reg.userID), nil
}

func (f *fakeDevices) Refresh(ctx context.Context, rawToken string) (*dto.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.tokens[rawToken]
	if !ok {
		return nil, domain.ErrTokenInvalid
	}
	if tok.Expired(time.Now().UTC()) {
		delete(f.tokens, rawToken)
		return nil, domain.ErrTokenExpired
	}
	delete(f.tokens, rawToken)
	return f.issueLocked(tok.DeviceID, tok.UserID), nil
}

func (f *fakeDevices) ResolveToken(ctx context.Context, rawToken string) (*domain.DeviceToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.tokens[rawToken]
	if !ok {
		return nil, domain.ErrTokenInvalid
	}
	if tok.Expired(time.Now().UTC()) {
		return nil, domain.ErrTokenExpired
	}
	return tok, nil
}

func (f *fakeDevices) SweepExpired(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for id, reg := range f.regs {
		if now.After(reg.expiresAt) {
			delete(f.byCode, reg.code)
			delete(f.regs, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeDevices) issueLocked(deviceID domain.DeviceID, userID domain.UserID) *dto.TokenResponse {
	f.seq++
	raw := fmt.Sprintf("devtok-%04d", f.seq)
	exp := time.Now().UTC().Add(time.Hour)
	f.tokens[raw] = &domain.DeviceToken{
		TokenHash: raw,
		DeviceID:  deviceID,
		UserID:    userID,
		ExpiresAt: exp,
	}
	return &dto.TokenResponse{Token: raw, ExpiresAt: exp}
}

// expireRegistration backdates a pending registration for expiry tests.
func (f *fakeDevices) expireRegistration(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byCode[code]; ok {
		f.regs[id].expiresAt = time.Now().UTC().Add(-time.Minute)
	}
}

// fakeResources keeps rows per owner so isolation is observable over HTTP.
type fakeResources struct {
	mu   sync.Mutex
	rows map[domain.UserID]map[string]*dto.ResourceResponse
}

func newFakeResources() *fakeResources {
	return &fakeResources{rows: make(map[domain.UserID]map[string]*dto.ResourceResponse)}
}

func (f *fakeResources) Save(ctx context.Context, ownerUserID domain.UserID, req dto.SaveResourceRequest) (*dto.ResourceResponse, error) {
	segments, err := timetable.Normalize(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	owned, ok := f.rows[ownerUserID]
	if !ok {
		owned = make(map[string]*dto.ResourceResponse)
		f.rows[ownerUserID] = owned
	}
	res, ok := owned[req.CanonicalKey]
	if !ok {
		res = &dto.ResourceResponse{ID: uuid.NewString(), CanonicalKey: req.CanonicalKey}
		owned[req.CanonicalKey] = res
	}
	res.Title = req.Title
	res.Payload = segments
	res.StartTime = req.StartTime
	res.TotalDuration = timetable.TotalDuration(segments)
	res.LastModified = time.Now().UTC()
	return res, nil
}

func (f *fakeResources) GetByKey(ctx context.Context, ownerUserID domain.UserID, rawKey string) (*dto.ResourceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.rows[ownerUserID][rawKey]; ok {
		return res, nil
	}
	return nil, domain.ErrResourceNotFound
}

func (f *fakeResources) GetByID(ctx context.Context, ownerUserID domain.UserID, id domain.ResourceID) (*dto.ResourceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, res := range f.rows[ownerUserID] {
		if res.ID == id.String() {
			return res, nil
		}
	}
	return nil, domain.ErrResourceNotFound
}

func (f *fakeResources) List(ctx context.Context, ownerUserID domain.UserID) ([]*dto.ResourceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*dto.ResourceResponse, 0, len(f.rows[ownerUserID]))
	for _, res := range f.rows[ownerUserID] {
		out = append(out, res)
	}
	return out, nil
}

type testGateway struct {
	srv     *httptest.Server
	devices *fakeDevices
	signer  *authz.SessionSigner
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	devices := newFakeDevices()
	router := NewRouter(RouterConfig{
		Devices:   devices,
		Resources: newFakeResources(),
		Auth:      authz.New(testSecret, testIssuer, devices),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testGateway{
		srv:     srv,
		devices: devices,
		signer:  authz.NewSessionSigner(testSecret, testIssuer),
	}
}

func (g *testGateway) sessionFor(t *testing.T, userID domain.UserID) string {
	t.Helper()
	tok, err := g.signer.Sign(userID.String(), time.Hour)
	if err != nil {
		t.Fatalf("sign session: %v", err)
	}
	return tok
}

// call sends a JSON request and decodes the JSON response into out (when the
// status is 2xx and out is non-nil).
func (g *testGateway) call(t *testing.T, method, path, bearer string, in, out any) int {
	t.Helper()
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, g.srv.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := g.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (g *testGateway) register(t *testing.T) dto.RegisterDeviceResponse {
	t.Helper()
	var reg dto.RegisterDeviceResponse
	status := g.call(t, http.MethodPost, "/v1/devices/register", "",
		dto.RegisterDeviceRequest{Fingerprint: "fp-1"}, &reg)
	if status != http.StatusOK {
		t.Fatalf("register: status %d", status)
	}
	return reg
}

// pair walks register, link (as userID), and exchange, returning the device token.
func (g *testGateway) pair(t *testing.T, userID domain.UserID) string {
	t.Helper()
	reg := g.register(t)
	session := g.sessionFor(t, userID)
	if status := g.call(t, http.MethodPost, "/v1/devices/link", session,
		dto.LinkRequest{PairingCode: reg.PairingCode}, nil); status != http.StatusNoContent {
		t.Fatalf("link: status %d", status)
	}
	var tok dto.TokenResponse
	if status := g.call(t, http.MethodPost, "/v1/devices/exchange", "",
		dto.ExchangeRequest{DeviceID: reg.DeviceID, PairingCode: reg.PairingCode}, &tok); status != http.StatusOK {
		t.Fatalf("exchange: status %d", status)
	}
	return tok.Token
}

func saveReq(key string) dto.SaveResourceRequest {
	return dto.SaveResourceRequest{
		CanonicalKey: key,
		Title:        "Board meeting",
		Payload: []timetable.Segment{
			{Name: "Opening", DurationSec: 120},
			{Name: "Review", DurationSec: 600},
		},
	}
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t)
	resp, err := g.srv.Client().Get(g.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d", resp.StatusCode)
	}
}

func TestPairingFlowEndToEnd(t *testing.T) {
	g := newTestGateway(t)
	userID := uuid.New()
	reg := g.register(t)

	// Exchange before the dashboard linked → 404, the polling steady state.
	status := g.call(t, http.MethodPost, "/v1/devices/exchange", "",
		dto.ExchangeRequest{DeviceID: reg.DeviceID, PairingCode: reg.PairingCode}, nil)
	if status != http.StatusNotFound {
		t.Fatalf("exchange before link: status %d, want 404", status)
	}

	// Link requires a session credential.
	if status := g.call(t, http.MethodPost, "/v1/devices/link", "",
		dto.LinkRequest{PairingCode: reg.PairingCode}, nil); status != http.StatusUnauthorized {
		t.Fatalf("link without credential: status %d, want 401", status)
	}
	session := g.sessionFor(t, userID)
	if status := g.call(t, http.MethodPost, "/v1/devices/link", session,
		dto.LinkRequest{PairingCode: reg.PairingCode}, nil); status != http.StatusNoContent {
		t.Fatalf("link: status %d, want 204", status)
	}

	var tok dto.TokenResponse
	if status := g.call(t, http.MethodPost, "/v1/devices/exchange", "",
		dto.ExchangeRequest{DeviceID: reg.DeviceID, PairingCode: reg.PairingCode}, &tok); status != http.StatusOK {
		t.Fatalf("exchange after link: status %d, want 200", status)
	}
	if tok.Token == "" {
		t.Fatal("exchange returned an empty token")
	}

	// A registration is consumed at exchange; a replay cannot mint another token.
	if status := g.call(t, http.MethodPost, "/v1/devices/exchange", "",
		dto.ExchangeRequest{DeviceID: reg.DeviceID, PairingCode: reg.PairingCode}, nil); status != http.StatusNotFound {
		t.Fatalf("exchange replay: status %d, want 404", status)
	}

	// The token works against the resource surface.
	var saved dto.ResourceResponse
	if status := g.call(t, http.MethodPost, "/v1/resources/save", tok.Token,
		saveReq("https://ex.com/deck"), &saved); status != http.StatusOK {
		t.Fatalf("save with device token: status %d, want 200", status)
	}
	if saved.TotalDuration != 720 {
		t.Fatalf("expected computed total 720, got %d", saved.TotalDuration)
	}
	var got dto.ResourceResponse
	if status := g.call(t, http.MethodGet, "/v1/resources/get?key="+url.QueryEscape("https://ex.com/deck"),
		tok.Token, nil, &got); status != http.StatusOK {
		t.Fatalf("get with device token: status %d, want 200", status)
	}
	if got.ID != saved.ID {
		t.Fatalf("get returned a different row: %s vs %s", got.ID, saved.ID)
	}
}

func TestLinkRejectsDeviceToken(t *testing.T) {
	g := newTestGateway(t)
	deviceToken := g.pair(t, uuid.New())

	reg := g.register(t)
	status := g.call(t, http.MethodPost, "/v1/devices/link", deviceToken,
		dto.LinkRequest{PairingCode: reg.PairingCode}, nil)
	if status != http.StatusForbidden {
		t.Fatalf("link with device token: status %d, want 403", status)
	}
}

func TestLinkExpiredRegistrationIsGone(t *testing.T) {
	g := newTestGateway(t)
	reg := g.register(t)
	g.devices.expireRegistration(reg.PairingCode)

	session := g.sessionFor(t, uuid.New())
	status := g.call(t, http.MethodPost, "/v1/devices/link", session,
		dto.LinkRequest{PairingCode: reg.PairingCode}, nil)
	if status != http.StatusGone {
		t.Fatalf("link expired registration: status %d, want 410", status)
	}
}

func TestLinkClaimedCodeConflicts(t *testing.T) {
	g := newTestGateway(t)
	reg := g.register(t)

	first := g.sessionFor(t, uuid.New())
	if status := g.call(t, http.MethodPost, "/v1/devices/link", first,
		dto.LinkRequest{PairingCode: reg.PairingCode}, nil); status != http.StatusNoContent {
		t.Fatalf("first link: status %d", status)
	}
	second := g.sessionFor(t, uuid.New())
	if status := g.call(t, http.MethodPost, "/v1/devices/link", second,
		dto.LinkRequest{PairingCode: reg.PairingCode}, nil); status != http.StatusConflict {
		t.Fatalf("second link: status %d, want 409", status)
	}
}

func TestPerUserIsolation(t *testing.T) {
	g := newTestGateway(t)
	alice := uuid.New()
	bob := uuid.New()
	aliceToken := g.pair(t, alice)
	bobToken := g.pair(t, bob)

	if status := g.call(t, http.MethodPost, "/v1/resources/save", aliceToken,
		saveReq("https://ex.com/deck"), nil); status != http.StatusOK {
		t.Fatalf("alice save: status %d", status)
	}

	// Bob cannot read Alice's row even with her exact key.
	status := g.call(t, http.MethodGet, "/v1/resources/get?key="+url.QueryEscape("https://ex.com/deck"),
		bobToken, nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("cross-user get: status %d, want 404", status)
	}

	var bobRows []*dto.ResourceResponse
	if status := g.call(t, http.MethodGet, "/v1/resources/list", bobToken, nil, &bobRows); status != http.StatusOK {
		t.Fatalf("bob list: status %d", status)
	}
	if len(bobRows) != 0 {
		t.Fatalf("bob sees %d foreign rows", len(bobRows))
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	g := newTestGateway(t)
	oldToken := g.pair(t, uuid.New())

	var rotated dto.TokenResponse
	if status := g.call(t, http.MethodPost, "/v1/devices/refresh", oldToken, struct{}{}, &rotated); status != http.StatusOK {
		t.Fatalf("refresh: status %d", status)
	}
	if rotated.Token == "" || rotated.Token == oldToken {
		t.Fatalf("refresh must rotate, got %q", rotated.Token)
	}

	// The rotated-out token is dead for both refresh and resource access.
	if status := g.call(t, http.MethodPost, "/v1/devices/refresh", oldToken, struct{}{}, nil); status != http.StatusUnauthorized {
		t.Fatalf("refresh with stale token: status %d, want 401", status)
	}
	if status := g.call(t, http.MethodPost, "/v1/resources/save", oldToken,
		saveReq("https://ex.com/deck"), nil); status != http.StatusUnauthorized {
		t.Fatalf("save with stale token: status %d, want 401", status)
	}
	if status := g.call(t, http.MethodPost, "/v1/resources/save", rotated.Token,
		saveReq("https://ex.com/deck"), nil); status != http.StatusOK {
		t.Fatalf("save with rotated token: status %d, want 200", status)
	}
}

func TestRefreshWithoutBearer(t *testing.T) {
	g := newTestGateway(t)
	if status := g.call(t, http.MethodPost, "/v1/devices/refresh", "", struct{}{}, nil); status != http.StatusUnauthorized {
		t.Fatalf("refresh without bearer: status %d, want 401", status)
	}
}

func TestProtectedEndpointsRejectBadCredentials(t *testing.T) {
	g := newTestGateway(t)
	wrongIssuer := authz.NewSessionSigner(testSecret, "someone-else")
	badIssuerJWT, err := wrongIssuer.Sign(uuid.NewString(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	wrongKey := authz.NewSessionSigner("other-secret", testIssuer)
	badKeyJWT, err := wrongKey.Sign(uuid.NewString(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Signed with the right key but no iss claim at all.
	noIssuer := authz.NewSessionSigner(testSecret, "")
	noIssuerJWT, err := noIssuer.Sign(uuid.NewString(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := []struct {
		name   string
		bearer string
	}{
		{"no credential", ""},
		{"unknown device token", "devtok-bogus"},
		{"wrong issuer", badIssuerJWT},
		{"missing issuer", noIssuerJWT},
		{"wrong signing key", badKeyJWT},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := g.call(t, http.MethodGet, "/v1/resources/list", tc.bearer, nil, nil)
			if status != http.StatusUnauthorized {
				t.Fatalf("status %d, want 401", status)
			}
		})
	}
}

func TestSaveRejectsMalformedBody(t *testing.T) {
	g := newTestGateway(t)
	token := g.pair(t, uuid.New())

	req, err := http.NewRequest(http.MethodPost, g.srv.URL+"/v1/resources/save",
		strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := g.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status %d, want 400", resp.StatusCode)
	}
}

func TestExchangeRejectsBadDeviceID(t *testing.T) {
	g := newTestGateway(t)
	status := g.call(t, http.MethodPost, "/v1/devices/exchange", "",
		dto.ExchangeRequest{DeviceID: "not-a-uuid", PairingCode: "CODE0001"}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("exchange with bad id: status %d, want 400", status)
	}
}
