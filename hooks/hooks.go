// Package hooks delivers fire-and-forget notifications to external
// collaborators (event bus scripts, the dashboard event stream) when an
// episode lands or a consolidation run completes.
//
// Delivery is best-effort: a panicking or slow emitter never rolls back or
// delays the write that triggered it.
package hooks

import (
	"time"

	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/core"
)

// Event names the occurrence a notification describes.
type Event string

const (
	// EventEpisodeStored fires after a new episode is durably written.
	EventEpisodeStored Event = "episode.stored"
	// EventConsolidated fires after a consolidation run commits its
	// watermark.
	EventConsolidated Event = "consolidation.completed"
)

// Notification is the structured payload handed to emitters.
type Notification struct {
	Event     Event     `json:"event"`
	Namespace string    `json:"namespace"`
	Kind      core.Kind `json:"kind,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	At        time.Time `json:"at"`
}

// Emitter receives notifications. Implementations must not block; the
// caller invokes Emit synchronously on the write path.
type Emitter interface {
	Emit(n Notification)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Notification) {}

// LogEmitter writes notifications to the structured log. Useful as the
// default sink and for hook scripts that tail logs.
type LogEmitter struct {
	log *zap.Logger
}

func NewLogEmitter(log *zap.Logger) *LogEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogEmitter{log: log}
}

func (e *LogEmitter) Emit(n Notification) {
	e.log.Info("hook",
		zap.String("event", string(n.Event)),
		zap.String("namespace", n.Namespace),
		zap.String("kind", string(n.Kind)),
		zap.String("entity_id", n.EntityID),
	)
}

// FanOut delivers to every emitter in order, isolating panics so one bad
// hook cannot take down the write path.
type FanOut []Emitter

func (f FanOut) Emit(n Notification) {
	for _, e := range f {
		emitSafely(e, n)
	}
}

func emitSafely(e Emitter, n Notification) {
	defer func() {
		// A hook failure is the hook's problem, not the writer's.
		_ = recover()
	}()
	e.Emit(n)
}

// Channel bridges notifications into a bounded channel, dropping when the
// consumer falls behind. The HTTP event stream subscribes through this.
type Channel struct {
	ch chan Notification
}

// NewChannel creates a Channel with the given buffer capacity.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = 64
	}
	return &Channel{ch: make(chan Notification, capacity)}
}

func (c *Channel) Emit(n Notification) {
	select {
	case c.ch <- n:
	default:
		// Consumer is behind; dropping beats blocking a write.
	}
}

// C returns the receive side of the bridge.
func (c *Channel) C() <-chan Notification { return c.ch }
