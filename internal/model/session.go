package model

import (
	"sync/atomic"
	"weak"

	"github.com/google/uuid"

	"github.com/samcharles93/sabi/internal/logger"
)

// Session owns the attention caches for one caller. Only one forward pass
// may use a session at a time; a concurrent attempt fails with
// ErrSessionBusy instead of corrupting the caches.
type Session struct {
	id     string
	owner  *Model
	caches []*AttentionCache
	busy   atomic.Bool
	log    logger.Logger
}

// NewSession returns a session with unallocated caches for every layer. The
// session only serves forward passes of m.
func (m *Model) NewSession() *Session {
	s := &Session{id: uuid.NewString(), owner: m, log: logger.Discard()}
	s.reset(m.cfg)
	m.sessMu.Lock()
	m.sessions = append(m.sessions, weak.Make(s))
	m.sessMu.Unlock()
	return s
}

// SetLogger routes the cache lifecycle events of s to l at debug level.
func (s *Session) SetLogger(l logger.Logger) {
	if l == nil {
		l = logger.Discard()
	}
	s.log = l.With("session", s.id)
}

func (s *Session) reset(cfg Config) {
	s.caches = make([]*AttentionCache, cfg.NumLayers)
	for i := range s.caches {
		s.caches[i] = newAttentionCache(cfg)
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Len returns the number of cached positions.
func (s *Session) Len() int {
	if len(s.caches) == 0 {
		return 0
	}
	return s.caches[0].Len()
}

// Allocated reports whether any layer holds cache storage.
func (s *Session) Allocated() bool {
	for _, c := range s.caches {
		if c.Allocated() {
			return true
		}
	}
	return false
}

// Cache returns the attention cache of a layer.
func (s *Session) Cache(layer int) *AttentionCache { return s.caches[layer] }

// Clear zeroes every cache and keeps the allocations. It is idempotent.
func (s *Session) Clear() {
	cached := s.Len()
	for _, c := range s.caches {
		c.Clear()
	}
	if cached > 0 {
		s.log.Debug("cache cleared", "positions", cached)
	}
}

// Free releases every cache. It is idempotent and the session stays usable.
func (s *Session) Free() {
	allocated := s.Allocated()
	for _, c := range s.caches {
		c.Free()
	}
	if allocated {
		s.log.Debug("cache freed", "layers", len(s.caches))
	}
}

// reserve grows every layer to hold n positions.
func (s *Session) reserve(n int) {
	if len(s.caches) == 0 {
		return
	}
	before := s.caches[0].Capacity()
	for _, c := range s.caches {
		c.reserve(n)
	}
	after := s.caches[0].Capacity()
	switch {
	case after == before:
	case before == 0:
		s.log.Debug("cache allocated", "capacity", after, "layers", len(s.caches), "dtype", s.caches[0].DType().String())
	default:
		s.log.Debug("cache grown", "from", before, "to", after)
	}
}

func (s *Session) acquire() error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrSessionBusy
	}
	return nil
}

func (s *Session) release() {
	s.busy.Store(false)
}
