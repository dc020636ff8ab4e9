// Package events keeps an append-only JSON-lines journal of tunnel lifecycle
// transitions so `cfkit tunnel events` can explain what happened to a slot.
package events

import (
	"strings"
	"time"

	"github.com/treykane/cfkit/internal/model"
)

// Event types written by the tunnel orchestrator and the CLI.
const (
	TypeStartRequested = "start_requested"
	TypeStarted        = "started"
	TypeStartFailed    = "start_failed"
	TypeExited         = "exited"
	TypeStopped        = "stopped"
	TypeStaleHealed    = "stale_healed"
	TypeProvisioned    = "provisioned"
	TypeDNS            = "dns"
	TypeIngressWarning = "ingress_warning"
	TypeFallback       = "fallback"
	TypeDeleted        = "deleted"
)

// Event is one journal line.
type Event struct {
	Timestamp time.Time          `json:"timestamp"`
	Slot      string             `json:"slot,omitempty"`
	TunnelID  string             `json:"tunnel_id,omitempty"`
	Mode      model.Mode         `json:"mode,omitempty"`
	EventType string             `json:"event_type"`
	State     model.ProcessState `json:"state,omitempty"`
	Message   string             `json:"message,omitempty"`
	PID       int                `json:"pid,omitempty"`
}

// Query filters a read. Empty fields match everything; a positive Limit keeps
// the newest Limit matches.
type Query struct {
	Slot      string
	TunnelID  string
	EventType string
	Since     time.Time
	Limit     int
}

func (q Query) match(evt Event) bool {
	switch {
	case strings.TrimSpace(q.Slot) != "" && evt.Slot != q.Slot:
		return false
	case strings.TrimSpace(q.TunnelID) != "" && evt.TunnelID != q.TunnelID:
		return false
	case strings.TrimSpace(q.EventType) != "" && evt.EventType != q.EventType:
		return false
	case !q.Since.IsZero() && evt.Timestamp.Before(q.Since):
		return false
	}
	return true
}
