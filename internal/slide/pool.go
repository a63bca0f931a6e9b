package slide

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Opener opens a decoder handle for a slide path. It exists so the pool
// can be exercised without libvips.
type Opener func(path string) (*Handle, error)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("handle pool closed")

// Pool bounds the number of concurrently open decoder handles. Each
// distinct slide id owns at most one handle, shared and reference
// counted across requests. At capacity, the least recently used idle
// handle is closed to make room; handles in active use are never
// evicted. Open failures are not remembered, so the next acquire
// retries the open.
type Pool struct {
	opener      Opener
	max         int
	idleTimeout time.Duration
	log         *zap.Logger

	mu      sync.Mutex
	slots   map[string]*slot
	waiters []chan struct{}
	closed  bool

	stop chan struct{}
	done chan struct{}

	now func() time.Time
}

// slot tracks one slide id's handle, or an open attempt in flight.
type slot struct {
	id       string
	handle   *Handle
	err      error
	refs     int
	lastUsed time.Time
	ready    chan struct{}
}

func (s *slot) opened() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// NewPool creates a pool of at most maxOpen handles. Idle handles are
// closed once they have been unused for idleTimeout.
func NewPool(opener Opener, maxOpen int, idleTimeout time.Duration, log *zap.Logger) *Pool {
	p := &Pool{
		opener:      opener,
		max:         maxOpen,
		idleTimeout: idleTimeout,
		log:         log,
		slots:       make(map[string]*slot),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		now:         time.Now,
	}
	go p.reap()
	return p
}

// Lease is a scoped acquisition of a handle. Release must be called on
// every exit path; it is safe to call more than once.
type Lease struct {
	pool    *Pool
	slot    *slot
	release sync.Once
}

func (l *Lease) Handle() *Handle { return l.slot.handle }

func (l *Lease) Release() {
	l.release.Do(func() {
		l.pool.mu.Lock()
		l.slot.refs--
		l.slot.lastUsed = l.pool.now()
		l.pool.notifyLocked()
		l.pool.mu.Unlock()
	})
}

// Acquire returns a lease on the handle for slide id, opening it if
// needed. Concurrent acquires for an id whose open is in flight queue
// on that open instead of duplicating it. Acquire blocks while the pool
// is at capacity with every handle in use, until a handle is released
// or ctx is done.
func (p *Pool) Acquire(ctx context.Context, id, path string) (*Lease, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if s, ok := p.slots[id]; ok {
			if s.opened() {
				if s.err != nil {
					// Slot is being torn down by the failed opener;
					// retry from scratch.
					p.mu.Unlock()
					continue
				}
				s.refs++
				s.lastUsed = p.now()
				p.mu.Unlock()
				return &Lease{pool: p, slot: s}, nil
			}
			ready := s.ready
			p.mu.Unlock()
			select {
			case <-ready:
				p.mu.Lock()
				err := s.err
				p.mu.Unlock()
				if err != nil {
					return nil, err
				}
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if len(p.slots) >= p.max {
			if !p.evictIdleLocked() {
				ch := make(chan struct{})
				p.waiters = append(p.waiters, ch)
				p.mu.Unlock()
				select {
				case <-ch:
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}

		s := &slot{id: id, ready: make(chan struct{})}
		p.slots[id] = s
		p.mu.Unlock()

		handle, err := p.opener(path)

		p.mu.Lock()
		if err != nil {
			if !errors.Is(err, ErrUnreadable) {
				err = fmt.Errorf("%w: %v", ErrUnreadable, err)
			}
			s.err = err
			delete(p.slots, id)
			close(s.ready)
			p.notifyLocked()
			p.mu.Unlock()
			return nil, err
		}
		s.handle = handle
		s.refs = 1
		s.lastUsed = p.now()
		close(s.ready)
		p.mu.Unlock()
		return &Lease{pool: p, slot: s}, nil
	}
}

// evictIdleLocked closes the least recently used idle handle. Reports
// whether room was made.
func (p *Pool) evictIdleLocked() bool {
	var victim *slot
	for _, s := range p.slots {
		if !s.opened() || s.err != nil || s.refs > 0 {
			continue
		}
		if victim == nil || s.lastUsed.Before(victim.lastUsed) {
			victim = s
		}
	}
	if victim == nil {
		return false
	}
	delete(p.slots, victim.id)
	victim.handle.Close()
	p.log.Debug("evicted idle slide handle", zap.String("id", victim.id))
	return true
}

// notifyLocked wakes one capacity waiter.
func (p *Pool) notifyLocked() {
	if len(p.waiters) == 0 {
		return
	}
	close(p.waiters[0])
	p.waiters = p.waiters[1:]
}

// reap closes handles idle past the bound.
func (p *Pool) reap() {
	defer close(p.done)

	interval := p.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		cutoff := p.now().Add(-p.idleTimeout)
		var stale []*slot
		for _, s := range p.slots {
			if s.opened() && s.err == nil && s.refs == 0 && s.lastUsed.Before(cutoff) {
				stale = append(stale, s)
				delete(p.slots, s.id)
			}
		}
		p.mu.Unlock()

		for _, s := range stale {
			s.handle.Close()
			p.log.Debug("closed idle slide handle", zap.String("id", s.id))
		}
	}
}

// OpenCount reports the number of slots currently held (open handles
// plus opens in flight).
func (p *Pool) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Close stops the reaper and closes all open handles. Close is meant
// for shutdown after the HTTP server has drained, when no leases
// remain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var open []*slot
	for id, s := range p.slots {
		if s.opened() && s.err == nil {
			open = append(open, s)
		}
		delete(p.slots, id)
	}
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
	p.mu.Unlock()

	close(p.stop)
	<-p.done

	for _, s := range open {
		s.handle.Close()
	}
}
