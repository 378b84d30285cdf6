package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDeliberationActive is returned when a conversation already has
	// a deliberation in flight
	ErrDeliberationActive = errors.New("conversation already has an active deliberation")

	// ErrAlreadyAttached is returned when a second consumer tries to
	// attach to the same handle
	ErrAlreadyAttached = errors.New("deliberation stream already has a consumer")
)

// defaultProduceWait is how long the producer blocks on a full queue
// before dropping the oldest buffered event
const defaultProduceWait = 2 * time.Second

// Handle is one deliberation's connection point: a bounded event queue
// the background run pushes into and at most one consumer drains.
// The consumer's lifetime is independent of the run's - detaching never
// cancels the deliberation.
type Handle struct {
	ID             string
	ConversationID string

	events      chan Event
	produceWait time.Duration
	delib       *Deliberation

	mu       sync.Mutex
	attached bool
}

// Status returns the underlying state machine's current stage
func (h *Handle) Status() DeliberationStatus {
	return h.delib.Status()
}

// push enqueues an event. If the queue is full it blocks briefly, then
// drops the oldest buffered event so the newest ones survive for a late
// consumer. Called only from the run goroutine.
func (h *Handle) push(ev Event) {
	select {
	case h.events <- ev:
		return
	default:
	}

	select {
	case h.events <- ev:
	case <-time.After(h.produceWait):
		logrus.WithFields(logrus.Fields{
			"conversation": h.ConversationID,
			"event":        ev.Type,
		}).Warn("Event queue full, dropping oldest event")
		select {
		case <-h.events:
		default:
		}
		select {
		case h.events <- ev:
		default:
		}
	}
}

// Attach claims the handle's event stream. At most one consumer may be
// attached at a time; the returned channel closes when the deliberation
// reaches a terminal state. Call Detach to give the stream up without
// affecting the run.
func (h *Handle) Attach() (<-chan Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attached {
		return nil, ErrAlreadyAttached
	}
	h.attached = true
	return h.events, nil
}

// Detach releases the consumer slot. Buffered and future events remain
// available to the next consumer, bounded by the queue size.
func (h *Handle) Detach() {
	h.mu.Lock()
	h.attached = false
	h.mu.Unlock()
}

// Bridge runs deliberations as detached background work and exposes
// their progress through per-run bounded event queues. It enforces the
// one-active-deliberation-per-conversation invariant and persists every
// finished run whether or not anyone was listening.
type Bridge struct {
	gw          *Gateway
	store       Store
	queueSize   int
	produceWait time.Duration

	mu     sync.Mutex
	active map[string]*Handle
}

// NewBridge creates a bridge over the given gateway and store
func NewBridge(gw *Gateway, store Store, queueSize int) *Bridge {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Bridge{
		gw:          gw,
		store:       store,
		queueSize:   queueSize,
		produceWait: defaultProduceWait,
		active:      make(map[string]*Handle),
	}
}

// Start spawns a deliberation as background work and returns its handle
// immediately. The run continues to completion and persists its result
// regardless of whether a consumer ever attaches.
func (b *Bridge) Start(req DeliberationRequest) (*Handle, error) {
	b.mu.Lock()
	if _, exists := b.active[req.ConversationID]; exists {
		b.mu.Unlock()
		return nil, ErrDeliberationActive
	}

	h := &Handle{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		events:         make(chan Event, b.queueSize),
		produceWait:    b.produceWait,
	}
	h.delib = NewDeliberation(req, b.gw, func(ev Event) {
		// The title lands in storage even if no consumer sees the event
		if ev.Type == EventTitleComplete {
			if data, ok := ev.Data.(map[string]string); ok {
				if err := b.store.UpdateConversationTitle(req.ConversationID, data["title"]); err != nil {
					logrus.WithField("conversation", req.ConversationID).WithError(err).Warn("Failed to persist title")
				}
			}
		}
		h.push(ev)
	})
	b.active[req.ConversationID] = h
	b.mu.Unlock()

	if err := b.store.SetProcessingState(req.ConversationID, StateActive); err != nil {
		b.release(req.ConversationID)
		return nil, err
	}

	go b.run(h, req)
	return h, nil
}

// HandleFor returns the in-flight handle for a conversation, if any.
// Lets a reconnecting client re-attach to a run it started earlier.
func (b *Bridge) HandleFor(conversationID string) (*Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.active[conversationID]
	return h, ok
}

// run executes the deliberation to a terminal state, persists the
// outcome, updates the conversation's processing state, and releases
// the handle. Deliberately not tied to any consumer's context.
func (b *Bridge) run(h *Handle, req DeliberationRequest) {
	log := logrus.WithField("conversation", req.ConversationID)

	result, err := h.delib.Run(context.Background())
	if err != nil {
		log.WithError(err).Error("Deliberation failed")
		if serr := b.store.SetProcessingState(req.ConversationID, StateError); serr != nil {
			log.WithError(serr).Warn("Failed to record error state")
		}
	} else {
		if serr := b.store.SaveDeliberationResult(req.ConversationID, result); serr != nil {
			log.WithError(serr).Error("Failed to persist deliberation result")
		}
		if serr := b.store.SetProcessingState(req.ConversationID, StateIdle); serr != nil {
			log.WithError(serr).Warn("Failed to reset processing state")
		}
		h.push(Event{Type: EventComplete})
	}

	b.release(req.ConversationID)
	close(h.events)
}

// release drops a conversation's handle from the active registry
func (b *Bridge) release(conversationID string) {
	b.mu.Lock()
	delete(b.active, conversationID)
	b.mu.Unlock()
}
