// Package telemetry carries onboarding outcome events to best-effort sinks (Kafka, OTel logs).
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventOnboardingCallback  = "onboarding.callback"
	EventOnboardingPolled    = "onboarding.polled"
	EventOnboardingInitiated = "onboarding.initiated"
	EventProvisionIssued     = "provisioning.issued"
	EventRegistration        = "provisioning.registered"
)

// Event is one onboarding or provisioning outcome.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	StableUserID  string          `json:"stableUserId,omitempty"`
	InstitutionID string          `json:"institutionId,omitempty"`
	Status        string          `json:"status,omitempty"`
	Success       bool            `json:"success"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NewEvent returns an event of the given type with a fresh id and timestamp.
func NewEvent(eventType, source string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
}

// EventEmitter emits events. Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}

// Multi fans an event out to every non-nil emitter and joins their errors.
type Multi []EventEmitter

func (m Multi) Emit(ctx context.Context, event *Event) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
