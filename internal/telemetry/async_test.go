package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*Event
	emitErr error
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEmitAsync_NilEmitterOrEvent(t *testing.T) {
	EmitAsync(nil, nil, NewEvent(EventOnboardingCallback, "test"))

	emitter := &mockEventEmitter{}
	EmitAsync(emitter, nil, nil)
	time.Sleep(10 * time.Millisecond)
	if n := emitter.count(); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestEmitAsync_Emits(t *testing.T) {
	emitter := &mockEventEmitter{}
	event := NewEvent(EventOnboardingCallback, "test")
	event.SessionID = "sess-1"

	EmitAsync(emitter, nil, event)
	waitFor(t, func() bool { return emitter.count() == 1 })

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if emitter.events[0].SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", emitter.events[0].SessionID)
	}
}

func TestEmitAsync_ErrorIsSwallowed(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: errors.New("broker down")}
	EmitAsync(emitter, nil, NewEvent(EventOnboardingPolled, "test"))
	waitFor(t, func() bool { return emitter.count() == 1 })
}

func TestEmitAsync_ConcurrentEvents(t *testing.T) {
	emitter := &mockEventEmitter{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, nil, NewEvent(EventOnboardingCallback, "test"))
		}()
	}
	wg.Wait()
	waitFor(t, func() bool { return emitter.count() == 20 })
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ok := &mockEventEmitter{}
	failing := &mockEventEmitter{emitErr: errors.New("boom")}
	m := Multi{ok, nil, failing}

	err := m.Emit(context.Background(), NewEvent(EventOnboardingCallback, "test"))
	if err == nil {
		t.Fatal("expected joined error")
	}
	if ok.count() != 1 || failing.count() != 1 {
		t.Errorf("counts = %d/%d, want 1/1", ok.count(), failing.count())
	}
	if err := (Multi{ok}).Emit(context.Background(), NewEvent(EventOnboardingCallback, "test")); err != nil {
		t.Errorf("Emit: %v", err)
	}
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventRegistration, "gateway")
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Errorf("event = %+v, want id and timestamp", e)
	}
	if e.Type != EventRegistration || e.Source != "gateway" {
		t.Errorf("type/source = %q/%q", e.Type, e.Source)
	}
}
