/*
Package notify publishes lifecycle notifications for rule and runbook
mutations over NATS.

Every mutating operation is bracketed by a pair of events: a `.start`
event before the change is attempted and a `.end` (or `.error`) event
after. Subjects follow the convention

	inspectd.events.<entity>.<op>_<phase>

where every token is lowercase alphanumeric with underscores. Payloads
travel in a CloudEvents 1.0 envelope so downstream consumers do not need
to know anything about this service to route them.

Publishing is best effort. A node coming out of inspection must not be
held hostage by a flaky broker, so emission failures are logged and
swallowed, never returned to the caller.
*/
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/metalfleet/inspectd/internal/types"
)

const (
	// SubjectPrefix roots every subject this service publishes.
	SubjectPrefix = "inspectd.events"

	// EventSource is the CloudEvents source attribute.
	EventSource = "urn:inspectd"

	// SpecVersion is the CloudEvents spec version of the envelope.
	SpecVersion = "1.0"
)

// Phases of a mutation lifecycle.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
	PhaseError = "error"
)

// Event is the minimal CloudEvents envelope carried on the wire.
type Event struct {
	SpecVersion string         `json:"specversion"`
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Type        string         `json:"type"`
	Time        string         `json:"time"`
	Subject     string         `json:"subject,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Publisher is the slice of *nats.Conn the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// IsValidToken reports whether token may appear as a NATS subject
// segment under our convention: lowercase alphanumerics and
// underscores, no dots, non-empty.
func IsValidToken(token string) bool {
	if token == "" {
		return false
	}
	for _, r := range token {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_' {
			return false
		}
	}
	return true
}

// BuildSubject renders the subject for an entity/op/phase triple,
// validating every token.
func BuildSubject(entity, op, phase string) (string, error) {
	for _, token := range []string{entity, op, phase} {
		if !IsValidToken(token) {
			return "", fmt.Errorf("invalid subject token %q: %w", token, types.ErrInvalid)
		}
	}
	return fmt.Sprintf("%s.%s.%s_%s", SubjectPrefix, entity, op, phase), nil
}

// Notifier emits lifecycle events for a single service instance.
type Notifier struct {
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Notifier publishing through pub. A nil pub disables
// emission entirely, which keeps call sites unconditional.
func New(pub Publisher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{pub: pub, logger: logger, now: time.Now}
}

// EmitStart publishes the .start event for an operation.
func (n *Notifier) EmitStart(ctx context.Context, entity, op string, data map[string]any) {
	n.emit(ctx, entity, op, PhaseStart, data)
}

// EmitEnd publishes the .end event for a completed operation.
func (n *Notifier) EmitEnd(ctx context.Context, entity, op string, data map[string]any) {
	n.emit(ctx, entity, op, PhaseEnd, data)
}

// WithErrorNotification inspects the outcome of an operation: on
// success it emits .end, on failure .error with the error text in the
// payload. The original error is always returned unchanged so callers
// can keep their usual error flow.
func (n *Notifier) WithErrorNotification(ctx context.Context, entity, op string, data map[string]any, err error) error {
	if err != nil {
		payload := make(map[string]any, len(data)+1)
		for k, v := range data {
			payload[k] = v
		}
		payload["error"] = err.Error()
		n.emit(ctx, entity, op, PhaseError, payload)
		return err
	}
	n.emit(ctx, entity, op, PhaseEnd, data)
	return nil
}

func (n *Notifier) emit(ctx context.Context, entity, op, phase string, data map[string]any) {
	if n.pub == nil {
		return
	}
	subject, err := BuildSubject(entity, op, phase)
	if err != nil {
		n.logger.ErrorContext(ctx, "notify: refusing to publish",
			"entity", entity, "op", op, "phase", phase, "error", err)
		return
	}

	event := Event{
		SpecVersion: SpecVersion,
		ID:          uuid.Must(uuid.NewRandom()).String(),
		Source:      EventSource,
		Type:        subject,
		Time:        n.now().UTC().Format(time.RFC3339),
		Data:        data,
	}
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.ErrorContext(ctx, "notify: envelope marshal failed",
			"subject", subject, "error", err)
		return
	}
	if err := n.pub.Publish(subject, body); err != nil {
		n.logger.WarnContext(ctx, "notify: publish failed",
			"subject", subject, "error", err)
		return
	}
	n.logger.DebugContext(ctx, "notify: published", "subject", subject)
}
