package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-engine/internal/service"
)

// NotificationPublisher publishes approval workflow events to NATS for
// consumption by the notifications service.
//
// Subject convention: notifications.approvals.<event_kind>
// Event kinds: approval_requested, decision_recorded, workflow_completed,
//              tier_escalated, workflow_expired, workflow_cancelled
//
// All publish operations are non-fatal: errors are logged but never
// propagated to the caller, so notification failures never interrupt a state
// transition.
type NotificationPublisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NotificationMessage is the JSON schema published to NATS.
type NotificationMessage struct {
	EventKind     string         `json:"event_kind"`
	WorkflowID    string         `json:"workflow_id"`
	OperationType string         `json:"operation_type"`
	EntityType    string         `json:"entity_type,omitempty"`
	EntityID      string         `json:"entity_id,omitempty"`
	OrgID         string         `json:"org_id"`
	RequesterID   string         `json:"requester_id"`
	State         string         `json:"state"`
	Recipients    []string       `json:"recipients"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection.
func NewNotificationPublisher(nc *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nc: nc, log: log}
}

var _ service.NotificationDispatcher = (*NotificationPublisher)(nil)

// Dispatch publishes one workflow event. Subject:
// notifications.approvals.<kind>. Best-effort: failures are logged only.
func (p *NotificationPublisher) Dispatch(_ context.Context, event service.WorkflowEvent) {
	if p.nc == nil || event.Workflow == nil {
		return
	}
	if len(event.Recipients) == 0 {
		return
	}

	wf := event.Workflow
	msg := &NotificationMessage{
		EventKind:     string(event.Kind),
		WorkflowID:    wf.ID,
		OperationType: wf.OperationType,
		EntityType:    wf.EntityType,
		EntityID:      wf.EntityID,
		OrgID:         wf.OrgID,
		RequesterID:   wf.RequesterID,
		State:         string(wf.State),
		Recipients:    event.Recipients,
		Payload:       event.Payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn().Err(err).Str("event_kind", string(event.Kind)).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", event.Kind)
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("workflow_id", wf.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("workflow_id", wf.ID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}
