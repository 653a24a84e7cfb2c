package render

import (
	"html/template"
	"sync"
	"time"
)

// DefaultContainerID names the container the dashboard page renders into.
const DefaultContainerID = "kpi-tables"

// State is a point-in-time copy of a container.
type State struct {
	ID         string        `json:"id"`
	HTML       template.HTML `json:"html"`
	Version    uint64        `json:"version"`
	Stale      bool          `json:"stale"`
	Note       string        `json:"note,omitempty"`
	RenderedAt time.Time     `json:"renderedAt"`
}

// Container holds the markup of one page region. Its contents are only ever
// replaced whole. Every mutation, including MarkStale and SetNote, bumps
// the version.
type Container struct {
	mu    sync.RWMutex
	state State

	subMu   sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

// NewContainer creates an empty container.
func NewContainer(id string) *Container {
	return &Container{
		state: State{ID: id},
		subs:  make(map[int]func(State)),
	}
}

func (c *Container) ID() string {
	return c.state.ID
}

// Replace swaps in new markup, clears the stale flag and note, and notifies
// subscribers.
func (c *Container) Replace(markup template.HTML) {
	c.update(func(s *State) {
		s.HTML = markup
		s.Stale = false
		s.Note = ""
		s.RenderedAt = time.Now()
	})
}

// MarkStale flags the contents as no longer live (e.g. the upstream
// connection dropped). It is a no-op if the flag is unchanged.
func (c *Container) MarkStale(stale bool) {
	c.mu.RLock()
	same := c.state.Stale == stale
	c.mu.RUnlock()
	if same {
		return
	}
	c.update(func(s *State) { s.Stale = stale })
}

// SetNote attaches a short status line shown above the tables.
func (c *Container) SetNote(note string) {
	c.update(func(s *State) { s.Note = note })
}

func (c *Container) HTML() template.HTML {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.HTML
}

func (c *Container) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Version
}

func (c *Container) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscribe registers fn to receive every new state. fn runs on the
// updating goroutine. The returned func removes the subscription.
func (c *Container) Subscribe(fn func(State)) (cancel func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Container) update(mutate func(*State)) {
	c.mu.Lock()
	mutate(&c.state)
	c.state.Version++
	st := c.state
	c.mu.Unlock()

	c.subMu.Lock()
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}
