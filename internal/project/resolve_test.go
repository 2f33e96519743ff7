package project_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"windsite/internal/db"
	"windsite/internal/intent"
	"windsite/internal/project"
	"windsite/internal/store"
)

func newResolver(t *testing.T) project.Resolver {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return project.Resolver{
		Store: store.Store{DB: conn},
		Now:   func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func TestDeriveIDIsDeterministicPerOwner(t *testing.T) {
	a := project.DeriveID("alice", 45.5231, -122.6765)
	b := project.DeriveID("alice", 45.5231, -122.6765)
	if a != b {
		t.Fatalf("same owner and spot must derive the same id")
	}
	// rounding to four decimals converges nearby requests
	c := project.DeriveID("alice", 45.52312, -122.67651)
	if a != c {
		t.Fatalf("sub-11m jitter must converge on one project")
	}
	if other := project.DeriveID("bob", 45.5231, -122.6765); other == a {
		t.Fatalf("owners must not share coordinate-derived projects")
	}
}

func TestResolveCreatesThenReuses(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()
	params := map[string]any{"latitude": 45.5231, "longitude": -122.6765}

	p, created, err := r.Resolve(ctx, "alice", intent.Hints{}, params)
	if err != nil || !created {
		t.Fatalf("first resolve should create: %v", err)
	}
	if p.Name != "site-45.5231_-122.6765" {
		t.Fatalf("unexpected generated name %q", p.Name)
	}

	again, created, err := r.Resolve(ctx, "alice", intent.Hints{}, params)
	if err != nil || created {
		t.Fatalf("second resolve should reuse: %v", err)
	}
	if again.ID != p.ID {
		t.Fatalf("expected the same project, got %s vs %s", again.ID, p.ID)
	}
}

func TestPeekDoesNotCreate(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()

	got, err := r.Peek(ctx, "alice", intent.Hints{}, map[string]any{"latitude": 45.5, "longitude": -122.6})
	if err != nil || got != nil {
		t.Fatalf("peek on empty store: %v %v", err, got)
	}
	items, err := r.Store.List(ctx, "")
	if err != nil || len(items) != 0 {
		t.Fatalf("peek must not write: %v %d", err, len(items))
	}

	// an explicit id that does not exist is an error, not a create
	_, err = r.Peek(ctx, "alice", intent.Hints{ProjectID: "missing"}, nil)
	var nf project.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestPeekHidesOtherOwners(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()
	p, _, err := r.Resolve(ctx, "alice", intent.Hints{ProjectName: "gorge"}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_, err = r.Peek(ctx, "bob", intent.Hints{ProjectID: p.ID}, nil)
	var nf project.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("cross-owner id must read as not found, got %v", err)
	}
}
