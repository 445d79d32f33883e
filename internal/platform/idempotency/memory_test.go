package idempotency

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, time.October, 1, 10, 0, 0, 0, time.UTC)

	if _, err := store.Reserve(ctx, "user-1|k1", "fp", now, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	resp := Response{Status: http.StatusCreated, Headers: http.Header{"Content-Type": {"application/json"}, "Connection": {"close"}}}
	if err := store.SaveResponse(ctx, "user-1|k1", "fp", resp, now, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	res, err := store.Reserve(ctx, "user-1|k1", "fp", now.Add(30*time.Minute), time.Hour)
	if err != nil || res.State != ReservationStateCompleted {
		t.Fatalf("expected completed reservation, got %v %v", res.State, err)
	}
	if _, ok := res.Record.ResponseHeaders["Connection"]; ok {
		t.Fatal("hop-by-hop headers must not be stored")
	}

	if removed, _ := store.CleanupExpired(ctx, now.Add(2*time.Hour), 0); removed != 1 {
		t.Fatalf("expected 1 expired record removed, got %d", removed)
	}
	res, err = store.Reserve(ctx, "user-1|k1", "other", now.Add(2*time.Hour), time.Hour)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected fresh reservation after expiry, got %v %v", res.State, err)
	}
}
