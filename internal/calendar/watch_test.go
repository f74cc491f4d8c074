package calendar

import (
	"context"
	"testing"
	"time"
)

func TestRegisterWatchPersistsChannelIdentifiers(t *testing.T) {
	db := newTestDB(t)
	provider := &fakeProvider{}
	engine, state := newTestEngine(t, db, provider, "channel-1")

	expiration := time.Unix(1791000000, 0).UTC()
	provider.watchFn = func(channelID, address, token string) (Channel, error) {
		if address != "https://bookd.example/calendar/webhook" {
			t.Fatalf("unexpected webhook address %q", address)
		}
		if token != "shared-secret" {
			t.Fatalf("unexpected channel token %q", token)
		}
		return Channel{ID: channelID, ResourceID: "resource-1", Expiration: expiration}, nil
	}

	channel, err := engine.RegisterWatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if channel.ID != "channel-1" || channel.ResourceID != "resource-1" {
		t.Fatalf("unexpected channel: %+v", channel)
	}
	if len(provider.stopCalls) != 0 {
		t.Fatalf("no prior channel existed, nothing to stop")
	}

	mustStateValue(t, state, StateKeyChannelID, "channel-1")
	mustStateValue(t, state, StateKeyChannelResourceID, "resource-1")
	mustStateValue(t, state, StateKeyChannelExpiration, expiration.Format(time.RFC3339))
}

func TestRegisterWatchStopsPreviousChannelFirst(t *testing.T) {
	db := newTestDB(t)
	provider := &fakeProvider{}
	engine, state := newTestEngine(t, db, provider, "channel-2")
	mustSetState(t, state, StateKeyChannelID, "channel-1")
	mustSetState(t, state, StateKeyChannelResourceID, "resource-1")

	if _, err := engine.RegisterWatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(provider.stopCalls) != 1 || provider.stopCalls[0] != "channel-1" {
		t.Fatalf("expected old channel stopped, got %v", provider.stopCalls)
	}
	if len(provider.callOrder) < 2 || provider.callOrder[0] != "stop" || provider.callOrder[1] != "watch" {
		t.Fatalf("stop must precede watch, got %v", provider.callOrder)
	}
	mustStateValue(t, state, StateKeyChannelID, "channel-2")
}

func TestRegisterWatchToleratesUnknownPreviousChannel(t *testing.T) {
	db := newTestDB(t)
	provider := &fakeProvider{}
	engine, state := newTestEngine(t, db, provider, "channel-2")
	mustSetState(t, state, StateKeyChannelID, "channel-1")
	mustSetState(t, state, StateKeyChannelResourceID, "resource-1")

	provider.stopFn = func(channelID, resourceID string) error {
		return ErrChannelNotFound
	}

	if _, err := engine.RegisterWatch(context.Background()); err != nil {
		t.Fatalf("a channel already gone counts as stopped, got %v", err)
	}
	if len(provider.watchCalls) != 1 {
		t.Fatalf("expected new watch registered, got %v", provider.watchCalls)
	}
	mustStateValue(t, state, StateKeyChannelID, "channel-2")
}

func mustSetState(t *testing.T, state *StateStore, key, value string) {
	t.Helper()
	if err := state.Set(context.Background(), key, value); err != nil {
		t.Fatalf("failed to set state %s: %v", key, err)
	}
}

func mustStateValue(t *testing.T, state *StateStore, key, expected string) {
	t.Helper()
	value, err := state.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("failed to read state %s: %v", key, err)
	}
	if value != expected {
		t.Fatalf("state %s: expected %q, got %q", key, expected, value)
	}
}
