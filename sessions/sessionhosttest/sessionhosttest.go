// Package sessionhosttest provides a conformance suite run against every
// sessions.SessionHost implementation.
package sessionhosttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ibrohimislam/mcp-odoo/sessions"
)

// HostFactory creates a fresh SessionHost for one test.
type HostFactory func(t *testing.T) sessions.SessionHost

// RunSessionHostTests runs the conformance suite against the factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Metadata_CreateGetDelete", func(t *testing.T) { testCreateGetDelete(t, factory) })
	t.Run("Metadata_DuplicateCreate", func(t *testing.T) { testDuplicateCreate(t, factory) })
	t.Run("Metadata_MutatePersists", func(t *testing.T) { testMutatePersists(t, factory) })
	t.Run("Metadata_TouchAdvancesLastAccess", func(t *testing.T) { testTouchAdvancesLastAccess(t, factory) })

	t.Run("Messaging_DeliversInOrder", func(t *testing.T) { testDeliversInOrder(t, factory) })
	t.Run("Messaging_ResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStops(t, factory) })
	t.Run("Messaging_EndsOnSessionDelete", func(t *testing.T) { testEndsOnSessionDelete(t, factory) })

	t.Run("Events_FanOutToAllSubscribers", func(t *testing.T) { testEventsFanOut(t, factory) })
	t.Run("Events_CancellationStopsDelivery", func(t *testing.T) { testEventsCancellation(t, factory) })
}

func newMeta(sessionID string) *sessions.SessionMetadata {
	now := time.Now().UTC()
	return &sessions.SessionMetadata{
		MetaVersion: 1,
		SessionID:   sessionID,
		UserID:      "user-1",
		State:       sessions.SessionStatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastAccess:  now,
		TTL:         time.Hour,
	}
}

func mustCreate(t *testing.T, h sessions.SessionHost, sessionID string) {
	t.Helper()
	if err := h.CreateSession(context.Background(), newMeta(sessionID)); err != nil {
		t.Fatalf("CreateSession(%s): %v", sessionID, err)
	}
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// --- Metadata ---

func testCreateGetDelete(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	mustCreate(t, h, "sess-crud")
	meta, err := h.GetSession(ctx, "sess-crud")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if meta.UserID != "user-1" || meta.State != sessions.SessionStatePending {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	if err := h.DeleteSession(ctx, "sess-crud"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := h.GetSession(ctx, "sess-crud"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testDuplicateCreate(t *testing.T, factory HostFactory) {
	h := factory(t)
	mustCreate(t, h, "sess-dup")
	err := h.CreateSession(context.Background(), newMeta("sess-dup"))
	if !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func testMutatePersists(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	mustCreate(t, h, "sess-mut")

	if err := h.MutateSession(ctx, "sess-mut", func(m *sessions.SessionMetadata) error {
		if m.State == sessions.SessionStateOpen {
			return fmt.Errorf("already open")
		}
		m.State = sessions.SessionStateOpen
		m.LogLevel = "warning"
		return nil
	}); err != nil {
		t.Fatalf("MutateSession: %v", err)
	}

	meta, err := h.GetSession(ctx, "sess-mut")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if meta.State != sessions.SessionStateOpen || meta.LogLevel != "warning" {
		t.Fatalf("mutation lost: %+v", meta)
	}

	// A failing mutation must leave the record untouched.
	wantErr := errors.New("nope")
	if err := h.MutateSession(ctx, "sess-mut", func(m *sessions.SessionMetadata) error {
		m.LogLevel = "debug"
		return wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("expected mutation error passthrough, got %v", err)
	}
	meta, _ = h.GetSession(ctx, "sess-mut")
	if meta.LogLevel != "warning" {
		t.Fatalf("aborted mutation leaked: %+v", meta)
	}
}

func testTouchAdvancesLastAccess(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	mustCreate(t, h, "sess-touch")

	before, err := h.GetSession(ctx, "sess-touch")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	if err := h.TouchSession(ctx, "sess-touch"); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	after, err := h.GetSession(ctx, "sess-touch")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !after.LastAccess.After(before.LastAccess) {
		t.Fatalf("LastAccess not advanced: %v -> %v", before.LastAccess, after.LastAccess)
	}
}

// --- Messaging ---

func testDeliversInOrder(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mustCreate(t, h, "sess-ord")

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-ord", "", func(_ context.Context, id string, msg []byte) error {
			mu.Lock()
			got = append(got, string(msg))
			mu.Unlock()
			return nil
		})
	}()

	// Let the subscriber attach before publishing.
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if _, err := h.PublishSession(ctx, "sess-ord", []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if !waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}) {
		t.Fatalf("expected 3 messages, got %v", got)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"m0", "m1", "m2"} {
		if got[i] != want {
			t.Fatalf("out of order delivery: %v", got)
		}
	}
}

func testResumeFromLastEventID(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mustCreate(t, h, "sess-resume")

	ev1, err := h.PublishSession(ctx, "sess-resume", []byte("first"))
	if err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	if _, err := h.PublishSession(ctx, "sess-resume", []byte("second")); err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	var mu sync.Mutex
	var got []string
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(subCtx, "sess-resume", ev1, func(_ context.Context, id string, msg []byte) error {
			mu.Lock()
			got = append(got, string(msg))
			mu.Unlock()
			subCancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "second" {
		t.Fatalf("expected only the second message, got %v", got)
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mustCreate(t, h, "sess-iso-a")
	mustCreate(t, h, "sess-iso-b")

	var mu sync.Mutex
	var gotA, gotB []string
	for _, s := range []struct {
		id  string
		dst *[]string
	}{{"sess-iso-a", &gotA}, {"sess-iso-b", &gotB}} {
		s := s
		go func() {
			_ = h.SubscribeSession(ctx, s.id, "", func(_ context.Context, _ string, msg []byte) error {
				mu.Lock()
				*s.dst = append(*s.dst, string(msg))
				mu.Unlock()
				return nil
			})
		}()
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := h.PublishSession(ctx, "sess-iso-a", []byte("for-a")); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if _, err := h.PublishSession(ctx, "sess-iso-b", []byte("for-b")); err != nil {
		t.Fatalf("publish b: %v", err)
	}

	if !waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotA) == 1 && len(gotB) == 1
	}) {
		t.Fatalf("delivery incomplete: a=%v b=%v", gotA, gotB)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotA[0] != "for-a" || gotB[0] != "for-b" {
		t.Fatalf("cross-session leak: a=%v b=%v", gotA, gotB)
	}
}

func testHandlerErrorStops(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mustCreate(t, h, "sess-herr")

	handlerErr := errors.New("handler boom")
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-herr", "", func(_ context.Context, _ string, _ []byte) error {
			return handlerErr
		})
	}()
	time.Sleep(100 * time.Millisecond)

	if _, err := h.PublishSession(ctx, "sess-herr", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, handlerErr) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not stop on handler error")
	}
}

func testEndsOnSessionDelete(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mustCreate(t, h, "sess-del")

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-del", "", func(_ context.Context, _ string, _ []byte) error {
			return nil
		})
	}()
	time.Sleep(100 * time.Millisecond)

	if err := h.DeleteSession(ctx, "sess-del"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean end after delete, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not end after session delete")
	}
}

// --- Topic events ---

func testEventsFanOut(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	counts := make([]int, 2)
	for i := 0; i < 2; i++ {
		i := i
		if err := h.SubscribeEvents(ctx, "topic-fan", func(_ context.Context, _ []byte) error {
			mu.Lock()
			counts[i]++
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("SubscribeEvents %d: %v", i, err)
		}
	}
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := h.PublishEvent(ctx, "topic-fan", []byte("e")); err != nil {
			t.Fatalf("PublishEvent: %v", err)
		}
	}

	if !waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[0] == 3 && counts[1] == 3
	}) {
		t.Fatalf("fan-out incomplete: %v", counts)
	}
}

func testEventsCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subCtx, subCancel := context.WithCancel(ctx)
	var mu sync.Mutex
	count := 0
	if err := h.SubscribeEvents(subCtx, "topic-cancel", func(_ context.Context, _ []byte) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("SubscribeEvents: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := h.PublishEvent(ctx, "topic-cancel", []byte("before")); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if !waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}) {
		t.Fatal("first event not delivered")
	}

	subCancel()
	time.Sleep(100 * time.Millisecond)

	if err := h.PublishEvent(ctx, "topic-cancel", []byte("after")); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("subscriber kept receiving after cancel: %d", count)
	}
}
