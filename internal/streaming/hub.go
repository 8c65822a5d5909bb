package streaming

import (
	"context"
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

// EventClass groups the engine's event types into the families a consumer
// typically follows: execution lifecycle, per-node progress, or the human
// interaction events (input requests and timer schedules).
type EventClass string

const (
	ClassAll         EventClass = ""
	ClassLifecycle   EventClass = "lifecycle"
	ClassNode        EventClass = "node"
	ClassInteraction EventClass = "interaction"
)

// EventFilter selects the events a subscriber receives. Zero value matches
// everything. Types, when set, narrows further to exact event types.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	WorkflowID  string     `json:"workflow_id,omitempty"`
	Class       EventClass `json:"class,omitempty"`
	Types       []string   `json:"types,omitempty"`
}

// Match reports whether the filter admits the event.
func (f EventFilter) Match(e schema.Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.Class != ClassAll && classOf(e.Type) != f.Class {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, e.Type) {
		return false
	}
	return true
}

func classOf(eventType string) EventClass {
	switch {
	case strings.HasPrefix(eventType, "execution_"):
		return ClassLifecycle
	case strings.HasPrefix(eventType, "node_"):
		return ClassNode
	case eventType == schema.EventUserInputRequired, eventType == schema.EventTimerScheduled:
		return ClassInteraction
	default:
		return ClassAll
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for real-time execution events, consumed by
// SSE/WebSocket bridges.
type EventHub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
}

// HubPublisher adapts an EventHub to the engine's fire-and-forget publisher.
type HubPublisher struct {
	hub EventHub
}

// NewHubPublisher wraps hub.
func NewHubPublisher(hub EventHub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

// Publish forwards the event, dropping hub errors: notification must never
// fail an execution.
func (p *HubPublisher) Publish(ctx context.Context, event schema.Event) {
	_ = p.hub.Publish(ctx, event)
}
