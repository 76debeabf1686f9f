package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"timetable-sync/pkg/timetable"
)

type SyncState string

const (
	StatePending    SyncState = "pending"
	StateSynced     SyncState = "synced"
	StateConflicted SyncState = "conflicted"
)

// Resource is the client-side view of a timetable.
type Resource struct {
	CanonicalKey  string              `json:"canonicalKey"`
	Title         string              `json:"title"`
	Payload       []timetable.Segment `json:"payload"`
	StartTime     *time.Time          `json:"startTime,omitempty"`
	TotalDuration int                 `json:"totalDuration"`
	LastModified  time.Time           `json:"lastModified"`
}

// CacheEntry is a Resource plus its sync bookkeeping. A failed push leaves
// the entry pending; entries are never silently discarded.
type CacheEntry struct {
	Resource
	RemoteID     string    `json:"remoteId,omitempty"`
	SyncState    SyncState `json:"syncState"`
	LastSyncedAt time.Time `json:"lastSyncedAt,omitempty"`
}

// PullOutcome says which side a pull-merge kept.
type PullOutcome string

const (
	PullNoRemote  PullOutcome = "no-remote"
	PullRemoteWon PullOutcome = "remote-won"
	PullLocalKept PullOutcome = "local-kept"
)

const (
	cacheKeyPrefix = "cache:"
	cacheIndexKey  = "cacheIndex"
)

type EngineConfig struct {
	Auth       *DeviceAuth
	Store      CredentialStore
	BaseURL    string
	HTTPClient *http.Client

	// Debounce is the coalescing window between a local edit and its push;
	// default 1500ms.
	Debounce time.Duration
	// MaxAttempts bounds transient retries per push; default 4.
	MaxAttempts int
	// BackoffBase seeds the retry delay; default 500ms.
	BackoffBase time.Duration

	Logger *slog.Logger
}

// Engine keeps local cache entries eventually consistent with their server
// rows. Edits land synchronously in the CredentialStore; pushes happen in the
// background, debounced per canonical key and strictly sequential per key.
type Engine struct {
	auth  *DeviceAuth
	store CredentialStore
	api   *apiClient
	cfg   EngineConfig
	log   *slog.Logger
	now   func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	locks  map[string]*sync.Mutex
	states map[string]*sync.Mutex

	wg sync.WaitGroup
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 1500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		auth:   cfg.Auth,
		store:  cfg.Store,
		api:    newAPIClient(cfg.BaseURL, cfg.HTTPClient),
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		timers: make(map[string]*time.Timer),
		locks:  make(map[string]*sync.Mutex),
		states: make(map[string]*sync.Mutex),
	}
}

// SaveLocal writes the resource to the local cache and returns. It always
// succeeds when the store does: the network is never on this path. The entry
// is stamped and marked pending, and a debounced background push is scheduled
// for its key.
func (e *Engine) SaveLocal(ctx context.Context, res Resource) error {
	if res.CanonicalKey == "" {
		return errors.New("canonical key is required")
	}
	res.LastModified = e.now()
	if res.TotalDuration <= 0 {
		res.TotalDuration = timetable.TotalDuration(res.Payload)
	}

	st := e.stateLock(res.CanonicalKey)
	st.Lock()
	defer st.Unlock()

	entry, err := e.Load(ctx, res.CanonicalKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if entry == nil {
		entry = &CacheEntry{}
	}
	entry.Resource = res
	entry.SyncState = StatePending

	if err := e.saveEntry(ctx, entry); err != nil {
		return err
	}
	e.schedulePush(res.CanonicalKey)
	return nil
}

// Load returns the cache entry for a key, or ErrNotFound.
func (e *Engine) Load(ctx context.Context, key string) (*CacheEntry, error) {
	data, err := e.store.Get(ctx, cacheKeyPrefix+key)
	if err != nil {
		return nil, err
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Keys lists every canonical key with a cache entry, sorted.
func (e *Engine) Keys(ctx context.Context) ([]string, error) {
	idx, err := e.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// schedulePush arms (or re-arms) the debounce timer for a key. The timer map
// is keyed by the canonical key itself, so repeated edits to the same
// resource coalesce instead of fanning out one push per edit tick.
func (e *Engine) schedulePush(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[key]; ok {
		t.Reset(e.cfg.Debounce)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(e.cfg.Debounce, func() {
		// Claim the timer slot and join the wait group in one critical
		// section. A callback that fired while Wait was draining finds its
		// slot already gone and stands down, so no push starts after Wait
		// returns.
		e.mu.Lock()
		if e.timers[key] != t {
			e.mu.Unlock()
			return
		}
		delete(e.timers, key)
		e.wg.Add(1)
		e.mu.Unlock()

		go func() {
			defer e.wg.Done()
			// Background pushes fail quietly; the entry stays pending and a
			// later edit or Flush picks it up.
			if err := e.Push(context.Background(), key); err != nil {
				e.log.Warn("background push failed", "key", key, "error", err)
			}
		}()
	})
	e.timers[key] = t
}

// Wait blocks until all scheduled background pushes have settled. Tests and
// orderly shutdown use it; the edit path never does.
func (e *Engine) Wait() {
	e.mu.Lock()
	timers := make([]*time.Timer, 0, len(e.timers))
	for k, t := range e.timers {
		timers = append(timers, t)
		delete(e.timers, k)
	}
	e.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
	e.wg.Wait()
}

func (e *Engine) keyLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// stateLock guards the cache entry for a key. Unlike keyLock it is held only
// for load-modify-save, never across a network call, so SaveLocal can take it
// without stalling behind an in-flight push.
func (e *Engine) stateLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.states[key]
	if !ok {
		l = &sync.Mutex{}
		e.states[key] = l
	}
	return l
}

// Push uploads the entry for a key now. Pushes for the same key are
// sequential: a second Push blocks until the first resolves, so upserts on
// one unique row never race each other from this client. Different keys push
// concurrently.
func (e *Engine) Push(ctx context.Context, key string) error {
	l := e.keyLock(key)
	l.Lock()
	defer l.Unlock()
	return e.pushLocked(ctx, key)
}

func (e *Engine) pushLocked(ctx context.Context, key string) error {
	st := e.stateLock(key)
	st.Lock()
	entry, err := e.Load(ctx, key)
	st.Unlock()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if entry.SyncState == StateSynced {
		return nil
	}
	if entry.LastModified.IsZero() {
		return fmt.Errorf("push %s: %w", key, ErrInvalidTimestamp)
	}
	pushedAt := entry.LastModified

	token, err := e.auth.Token(ctx)
	if err != nil {
		// The entry stays pending; once pairing completes, Flush drains it.
		return fmt.Errorf("auth phase: %w", err)
	}

	segments, err := timetable.Normalize(entry.Payload)
	if err != nil {
		return fmt.Errorf("write phase: invalid payload: %w", err)
	}

	req := saveRequest{
		CanonicalKey:  entry.CanonicalKey,
		Title:         entry.Title,
		Payload:       segments,
		StartTime:     entry.StartTime,
		TotalDuration: entry.TotalDuration,
	}

	resp, err := e.send(ctx, token, req)
	if err != nil {
		return fmt.Errorf("write phase: %w", err)
	}

	// Commit bookkeeping against the current entry, not the pushed snapshot:
	// an edit that landed while the push was in flight re-stamped LastModified
	// and must stay pending for its own push.
	st.Lock()
	defer st.Unlock()
	cur, err := e.Load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !cur.LastModified.Equal(pushedAt) {
		e.log.Debug("entry edited during push, left pending", "key", key)
		return nil
	}
	cur.RemoteID = resp.ID
	cur.SyncState = StateSynced
	cur.LastSyncedAt = resp.LastModified
	if err := e.saveEntry(ctx, cur); err != nil {
		return err
	}
	e.log.Debug("pushed", "key", key, "remote_id", resp.ID)
	return nil
}

type saveRequest struct {
	CanonicalKey  string              `json:"canonicalKey"`
	Title         string              `json:"title"`
	Payload       []timetable.Segment `json:"payload"`
	StartTime     *time.Time          `json:"startTime,omitempty"`
	TotalDuration int                 `json:"totalDuration"`
}

type resourceResponse struct {
	ID            string              `json:"id"`
	CanonicalKey  string              `json:"canonicalKey"`
	Title         string              `json:"title"`
	Payload       []timetable.Segment `json:"payload"`
	StartTime     *time.Time          `json:"startTime,omitempty"`
	TotalDuration int                 `json:"totalDuration"`
	LastModified  time.Time           `json:"lastModified"`
}

// send runs the save call with the retry policy: transient failures back off
// and retry up to MaxAttempts, a 401 earns exactly one token refresh, and
// 400/403/404 are terminal on the first sight.
func (e *Engine) send(ctx context.Context, token string, req saveRequest) (*resourceResponse, error) {
	var lastErr error
	refreshed := false
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt-1, e.cfg.BackoffBase, 30*time.Second)):
			}
		}

		var resp resourceResponse
		err := e.api.do(ctx, http.MethodPost, "/v1/resources/save", token, req, &resp)
		if err == nil {
			return &resp, nil
		}
		lastErr = err

		switch {
		case IsUnauthorized(err) && !refreshed:
			refreshed = true
			if err := e.auth.Invalidate(ctx); err != nil && !errors.Is(err, ErrUnauthenticated) {
				return nil, err
			}
			fresh, err := e.auth.Token(ctx)
			if err != nil {
				return nil, fmt.Errorf("auth phase: %w", err)
			}
			token = fresh
			// The refreshed attempt does not count against the retry budget.
			attempt--
		case IsTransient(err):
			e.log.Debug("transient push failure", "attempt", attempt+1, "error", err)
		default:
			// 400/403/404, or a second 401: retrying cannot succeed.
			return nil, err
		}
	}
	return nil, lastErr
}

// Pull fetches the server row for a key and merges by last-modified:
// a strictly newer remote overwrites the local cache; an equal-or-newer local
// survives and, when still pending, is scheduled for push. An absent server
// row leaves local state untouched.
func (e *Engine) Pull(ctx context.Context, key string) (PullOutcome, error) {
	token, err := e.auth.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("auth phase: %w", err)
	}

	var remote resourceResponse
	err = e.api.do(ctx, http.MethodGet, "/v1/resources/get?key="+url.QueryEscape(key), token, nil, &remote)
	if err != nil {
		if IsNotFound(err) {
			// First-ever sync for this key from this client.
			return PullNoRemote, nil
		}
		return "", err
	}
	if remote.LastModified.IsZero() {
		return "", fmt.Errorf("remote %s: %w", key, ErrInvalidTimestamp)
	}

	// The merge is a load-compare-save on the local entry; holding the state
	// lock keeps a concurrent SaveLocal from vanishing between those steps.
	st := e.stateLock(key)
	st.Lock()
	defer st.Unlock()

	entry, err := e.Load(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	if entry == nil {
		adopted := &CacheEntry{
			Resource: Resource{
				CanonicalKey:  key,
				Title:         remote.Title,
				Payload:       remote.Payload,
				StartTime:     remote.StartTime,
				TotalDuration: remote.TotalDuration,
				LastModified:  remote.LastModified,
			},
			RemoteID:     remote.ID,
			SyncState:    StateSynced,
			LastSyncedAt: remote.LastModified,
		}
		if err := e.saveEntry(ctx, adopted); err != nil {
			return "", err
		}
		return PullRemoteWon, nil
	}

	if entry.LastModified.IsZero() {
		return "", fmt.Errorf("local %s: %w", key, ErrInvalidTimestamp)
	}

	if remote.LastModified.After(entry.LastModified) {
		entry.Title = remote.Title
		entry.Payload = remote.Payload
		entry.StartTime = remote.StartTime
		entry.TotalDuration = remote.TotalDuration
		entry.LastModified = remote.LastModified
		entry.RemoteID = remote.ID
		entry.SyncState = StateSynced
		entry.LastSyncedAt = remote.LastModified
		if err := e.saveEntry(ctx, entry); err != nil {
			return "", err
		}
		e.log.Debug("pull merged remote", "key", key)
		return PullRemoteWon, nil
	}

	if entry.SyncState == StatePending {
		e.schedulePush(key)
	}
	return PullLocalKept, nil
}

// Flush pushes every pending entry now and surfaces failures. This is the
// user-triggered save path; unlike background pushes, errors are returned
// with their phase so the caller can render something actionable.
func (e *Engine) Flush(ctx context.Context) error {
	keys, err := e.Keys(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		entry, err := e.Load(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if entry.SyncState != StatePending {
			continue
		}
		if err := e.Push(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) saveEntry(ctx context.Context, entry *CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := e.store.Set(ctx, cacheKeyPrefix+entry.CanonicalKey, data); err != nil {
		return err
	}
	return e.indexAdd(ctx, entry.CanonicalKey)
}

func (e *Engine) loadIndex(ctx context.Context) (map[string]struct{}, error) {
	data, err := e.store.Get(ctx, cacheIndexKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return map[string]struct{}{}, nil
		}
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	idx := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		idx[k] = struct{}{}
	}
	return idx, nil
}

func (e *Engine) indexAdd(ctx context.Context, key string) error {
	idx, err := e.loadIndex(ctx)
	if err != nil {
		return err
	}
	if _, ok := idx[key]; ok {
		return nil
	}
	idx[key] = struct{}{}
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, cacheIndexKey, data)
}
