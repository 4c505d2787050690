// Package eventfanout dispatches normalized ledger events to independent
// handlers — policy cache invalidation, permission mirroring, external
// notification delivery — each isolated from the others' failures.
//
// Built on the persist-then-broadcast shape this codebase has used for
// ledger-anchored notifications before, restructured from a single
// ledger-state write plus one network broadcast into fan-out over a typed
// Go channel to any number of independently registered, per-handler-timeout
// subscribers.
package eventfanout

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medvault/custody/internal/ledgergateway"
)

const defaultHandlerTimeout = 5 * time.Second

// Handler processes one ledger event. A non-nil error is logged; it never
// blocks delivery to the event's other handlers.
type Handler func(ctx context.Context, ev ledgergateway.LedgerEvent) error

// Subscription is a registered handler that can be independently removed.
type Subscription struct {
	id   int
	d    *Dispatcher
}

// Unsubscribe removes the handler; events after this call are no longer
// delivered to it.
func (s *Subscription) Unsubscribe() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	delete(s.d.handlers, s.id)
}

// Dispatcher fans a single stream of ledger events out to every
// registered handler.
type Dispatcher struct {
	mu             sync.Mutex
	handlers       map[int]namedHandler
	nextID         int
	handlerTimeout time.Duration
	log            *logrus.Logger

	wg sync.WaitGroup
}

type namedHandler struct {
	name string
	fn   Handler
}

// New constructs a Dispatcher. handlerTimeout bounds each handler
// invocation; zero uses the default of 5 seconds.
func New(handlerTimeout time.Duration, log *logrus.Logger) *Dispatcher {
	if handlerTimeout <= 0 {
		handlerTimeout = defaultHandlerTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{handlers: make(map[int]namedHandler), handlerTimeout: handlerTimeout, log: log}
}

// Register adds a named handler and returns a Subscription that can later
// remove it.
func (d *Dispatcher) Register(name string, h Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = namedHandler{name: name, fn: h}
	return &Subscription{id: id, d: d}
}

// Run consumes events from source until it closes or ctx is done,
// dispatching each one to every registered handler concurrently. Run
// blocks; call it in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context, source <-chan ledgergateway.LedgerEvent) {
	for {
		select {
		case ev, ok := <-source:
			if !ok {
				d.wg.Wait()
				return
			}
			d.dispatch(ctx, ev)
		case <-ctx.Done():
			d.wg.Wait()
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev ledgergateway.LedgerEvent) {
	d.mu.Lock()
	snapshot := make([]namedHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		snapshot = append(snapshot, h)
	}
	d.mu.Unlock()

	for _, h := range snapshot {
		h := h
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.WithField("handler", h.name).WithField("record_id", ev.RecordID).Errorf("eventfanout: handler panicked: %v", r)
				}
			}()
			hctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
			defer cancel()
			if err := h.fn(hctx, ev); err != nil {
				d.log.WithError(err).WithField("handler", h.name).WithField("record_id", ev.RecordID).Warn("eventfanout: handler failed")
			}
		}()
	}
}
