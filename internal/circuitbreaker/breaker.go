package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while a platform's upstream is considered down
var ErrOpen = errors.New("circuit breaker is open")

// State represents circuit breaker state
type State int

const (
	// StateClosed allows all requests
	StateClosed State = iota
	// StateOpen rejects all requests
	StateOpen
	// StateHalfOpen lets one probe request through
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker tuning shared by every platform
type Config struct {
	// MaxFailures is the consecutive upstream failures that trip the breaker
	MaxFailures uint32
	// OpenPeriod is how long the breaker rejects before letting a probe through
	OpenPeriod time.Duration
	// OnStateChange is called with the breaker name on every transition
	OnStateChange func(name string, from, to State)
}

// Breaker guards one upstream host group
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	failures   uint32
	openedAt   time.Time
	probing    bool
}

func newBreaker(name string, cfg Config, now func() time.Time) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenPeriod <= 0 {
		cfg.OpenPeriod = 30 * time.Second
	}
	return &Breaker{name: name, cfg: cfg, now: now}
}

// Allow reserves a request slot. done must be called with whether the
// upstream answered; client-side outcomes such as 404 count as success.
func (b *Breaker) Allow() (done func(ok bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	switch b.state {
	case StateOpen:
		return nil, ErrOpen
	case StateHalfOpen:
		if b.probing {
			return nil, ErrOpen
		}
		b.probing = true
	}

	gen := b.generation
	return func(ok bool) { b.report(gen, ok) }, nil
}

func (b *Breaker) report(gen uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A result from before the last transition says nothing about now
	if gen != b.generation {
		return
	}

	if ok {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.transition(StateClosed)
		}
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
		b.transition(StateOpen)
	}
}

func (b *Breaker) refresh() {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.cfg.OpenPeriod)) {
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.failures = 0
	b.probing = false
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Group lazily creates one breaker per name
type Group struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates a breaker group
func NewGroup(cfg Config) *Group {
	return &Group{cfg: cfg, now: time.Now, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it closed
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[name]
	if !ok {
		b = newBreaker(name, g.cfg, g.now)
		g.breakers[name] = b
	}
	return b
}

// States reports every known breaker state by name
func (g *Group) States() map[string]string {
	g.mu.Lock()
	list := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		list = append(list, b)
	}
	g.mu.Unlock()

	out := make(map[string]string, len(list))
	for _, b := range list {
		out[b.name] = b.State().String()
	}
	return out
}
