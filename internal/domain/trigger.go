package domain

import (
	"strings"
	"time"
)

// TriggerKind names one of the scheduled transitions of an auction.
type TriggerKind string

const (
	TriggerCreateResources TriggerKind = "create-resources"
	TriggerStart           TriggerKind = "start"
	TriggerEnd             TriggerKind = "end"
)

// Order returns the firing precedence of k when several triggers for the same
// auction are due at once.
func (k TriggerKind) Order() int {
	switch k {
	case TriggerCreateResources:
		return 0
	case TriggerStart:
		return 1
	case TriggerEnd:
		return 2
	default:
		return 3
	}
}

// TriggerName derives the deterministic trigger name for an auction and kind.
// Re-arming the same kind reuses the name, which replaces the prior schedule.
func TriggerName(kind TriggerKind, auctionID string) string {
	return "auction:" + auctionID + ":" + string(kind)
}

// ParseTriggerName splits a name produced by TriggerName.
func ParseTriggerName(name string) (TriggerKind, string, bool) {
	rest, ok := strings.CutPrefix(name, "auction:")
	if !ok {
		return "", "", false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", "", false
	}
	return TriggerKind(rest[i+1:]), rest[:i], true
}

// Trigger is a named, time-fired invocation held by the timer service.
type Trigger struct {
	Name      string            `json:"name"`
	Kind      TriggerKind       `json:"kind"`
	AuctionID string            `json:"auction_id"`
	FireAt    time.Time         `json:"fire_at"`
	Payload   map[string]string `json:"payload,omitempty"`
	Attempts  int               `json:"attempts"`
}
