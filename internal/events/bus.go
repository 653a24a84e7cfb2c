package events

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
)

// Emission records one event emitted through a Bus.
type Emission struct {
	Event   string
	Payload json.RawMessage
}

// Bus is an in-memory Source. Deliver dispatches synchronously on the
// caller's goroutine; Post queues an event for the Run loop. Emitted events
// are recorded and handed to the OnEmit hooks.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	hooks    []func(Emission)
	emitted  []Emission

	dispatchMu sync.Mutex // one event at a time

	queueMu sync.Mutex
	queue   []Message
	wake    chan struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		wake:     make(chan struct{}, 1),
	}
}

func (b *Bus) On(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], h)
}

func (b *Bus) Emit(event string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	e := Emission{Event: event, Payload: data}

	b.mu.Lock()
	b.emitted = append(b.emitted, e)
	hooks := slices.Clone(b.hooks)
	b.mu.Unlock()

	for _, fn := range hooks {
		fn(e)
	}
	return nil
}

// OnEmit registers fn to observe every emission. fn runs on the emitting
// goroutine and must not block.
func (b *Bus) OnEmit(fn func(Emission)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Emitted returns a copy of all emissions so far.
func (b *Bus) Emitted() []Emission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Emission(nil), b.emitted...)
}

// EmittedNamed returns the emissions of a single event name.
func (b *Bus) EmittedNamed(event string) []Emission {
	var out []Emission
	for _, e := range b.Emitted() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets recorded emissions.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitted = nil
}

// Deliver dispatches an inbound event to its handlers and returns after
// they have all run.
func (b *Bus) Deliver(event string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	b.dispatch(Message{Event: event, Data: data})
	return nil
}

// Post queues an inbound event for the Run loop. It never blocks.
func (b *Bus) Post(event string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	b.queueMu.Lock()
	b.queue = append(b.queue, Message{Event: event, Data: data})
	b.queueMu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run dispatches posted events in order until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	for {
		for {
			msg, ok := b.next()
			if !ok {
				break
			}
			b.dispatch(msg)
		}
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
	}
}

func (b *Bus) next() (Message, bool) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	if len(b.queue) == 0 {
		return Message{}, false
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	return msg, true
}

func (b *Bus) dispatch(msg Message) {
	b.mu.Lock()
	hs := append([]Handler(nil), b.handlers[msg.Event]...)
	b.mu.Unlock()

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	for _, h := range hs {
		h(msg.Data)
	}
}
