package state_test

import (
	"context"
	"errors"
	"testing"

	"github.com/flitsinc/agent-relay/internal/state"
	"github.com/flitsinc/agent-relay/internal/testutil"
)

func TestStoreAgents(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	store := state.NewStore(db)
	ctx := context.Background()

	agent, err := store.PutAgent(ctx, "weather", "http://weather.internal:8080/a2a", "forecasts")
	if err != nil {
		t.Fatalf("put agent: %v", err)
	}
	if agent.Name != "weather" || agent.Description != "forecasts" {
		t.Fatalf("unexpected agent: %+v", agent)
	}

	url, err := store.ResolveAgent(ctx, "weather")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if url != "http://weather.internal:8080/a2a" {
		t.Fatalf("unexpected url %s", url)
	}

	if _, err := store.PutAgent(ctx, "weather", "https://weather.example.com", ""); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	url, _ = store.ResolveAgent(ctx, "weather")
	if url != "https://weather.example.com" {
		t.Fatalf("expected updated url, got %s", url)
	}

	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}

	if err := store.DeleteAgent(ctx, "weather"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.ResolveAgent(ctx, "weather"); !errors.Is(err, state.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestStoreRejectsBadURL(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)

	for _, raw := range []string{"", "ftp://x", "http://", "::not a url"} {
		if _, err := store.PutAgent(context.Background(), "a", raw, ""); !errors.Is(err, state.ErrInvalidAgent) {
			t.Fatalf("expected %q to be rejected with ErrInvalidAgent, got %v", raw, err)
		}
	}
}

func TestStoreSeedInMemory(t *testing.T) {
	db, err := state.Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	store := state.NewStore(db)
	ctx := context.Background()

	err = store.Seed(ctx, map[string]string{
		"b": "http://b.local",
		"a": "http://a.local",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 2 || agents[0].Name != "a" {
		t.Fatalf("unexpected agents: %+v", agents)
	}
}
