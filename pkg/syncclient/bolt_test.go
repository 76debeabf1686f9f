package syncclient

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestBoltStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client-state", "creds.db")
	st, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	if _, err := st.Get(ctx, "deviceToken"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.Set(ctx, "deviceToken", []byte(`{"token":"abc"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := st.Get(ctx, "deviceToken")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"token":"abc"}` {
		t.Fatalf("unexpected value %q", got)
	}
	if err := st.Remove(ctx, "deviceToken"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := st.Get(ctx, "deviceToken"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")
	ctx := context.Background()

	st, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = st2.Close() }()
	got, err := st2.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestBoltStoreHonorsCancelledContext(t *testing.T) {
	st, err := NewBoltStore(filepath.Join(t.TempDir(), "creds.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := st.Set(ctx, "k", []byte("v")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
