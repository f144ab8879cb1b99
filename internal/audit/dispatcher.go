package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Stats counts what happened to emitted events. Pending is the number of
// accepted events not yet handed to the sink.
type Stats struct {
	Delivered uint64
	Dropped   uint64
	Pending   int
}

// Dispatcher hands session events to a sink on its own goroutine so that
// session operations never wait on a slow sink. A nil Dispatcher accepts and
// discards events.
type Dispatcher struct {
	sink       Sink
	events     chan Event
	dropIfFull bool

	// stopping releases blocked emitters once Close starts. sendMu keeps
	// events open while an emitter may still send on it.
	stopping  chan struct{}
	sendMu    sync.RWMutex
	closed    bool
	exited    chan struct{}
	closeOnce sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		sink:       sink,
		events:     make(chan Event, cfg.BufferSize),
		dropIfFull: cfg.DropIfFull,
		stopping:   make(chan struct{}),
		exited:     make(chan struct{}),
	}
	go d.run()
	return d
}

// run delivers until events is closed and drained.
func (d *Dispatcher) run() {
	defer close(d.exited)
	for event := range d.events {
		d.sink.Emit(context.Background(), event)
		d.delivered.Add(1)
	}
}

// Emit queues event. With DropIfFull a full buffer drops the event;
// otherwise Emit waits for room until ctx ends or the dispatcher closes.
// Events emitted after Close are counted as dropped.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}

	if d.dropIfFull {
		select {
		case d.events <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.events <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stopping:
		d.dropped.Add(1)
	}
}

// Close stops accepting events and waits until buffered events are delivered.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		close(d.stopping)
		d.sendMu.Lock()
		d.closed = true
		close(d.events)
		d.sendMu.Unlock()
		<-d.exited
	})
}

// Stats reports delivery counters. A nil Dispatcher reports zeros.
func (d *Dispatcher) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	return Stats{
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Pending:   len(d.events),
	}
}
