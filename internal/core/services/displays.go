package services

import (
	"context"
	"sync"
	"time"

	"previz.stage/internal/core/circuitbreaker"
	"previz.stage/internal/core/domain"
	"previz.stage/internal/core/logger"
	"previz.stage/internal/core/ports"
)

type displaySession struct {
	mu      sync.Mutex
	port    int
	refs    int
	defunct bool // teardown issued; record is on its way out
}

// DisplayManager tracks consumers of shared virtual-display sessions and
// tears a session down exactly once when its last consumer detaches. It
// never starts display servers; callers start them before acquiring.
type DisplayManager struct {
	mu       sync.Mutex
	sessions map[int]*displaySession

	launcher    ports.DisplayLauncher
	addrs       *AddressRegistry
	sink        ports.EventSink
	breaker     *circuitbreaker.CircuitBreaker
	stopTimeout time.Duration
}

func NewDisplayManager(launcher ports.DisplayLauncher, addrs *AddressRegistry, sink ports.EventSink, stopTimeout time.Duration) *DisplayManager {
	return &DisplayManager{
		sessions:    make(map[int]*displaySession),
		launcher:    launcher,
		addrs:       addrs,
		sink:        sink,
		breaker:     circuitbreaker.New("display-stop"),
		stopTimeout: stopTimeout,
	}
}

// Acquire increments the session's reference count, creating the record
// on first use, and returns the session's streaming port. A session whose
// teardown is in flight is replaced with a fresh record; the next consumer
// is assumed to have started a fresh server.
func (m *DisplayManager) Acquire(display int) int {
	for {
		m.mu.Lock()
		s, ok := m.sessions[display]
		if !ok {
			s = &displaySession{port: m.addrs.DisplayPort(display)}
			m.sessions[display] = s
			m.addrs.RegisterDisplay(display, s.port)
		}
		m.mu.Unlock()

		s.mu.Lock()
		if s.defunct {
			s.mu.Unlock()
			// Swap the dying record for a fresh one and retry. Teardown
			// only deletes the exact record it marked defunct.
			m.mu.Lock()
			if m.sessions[display] == s {
				delete(m.sessions, display)
			}
			m.mu.Unlock()
			continue
		}
		s.refs++
		refs := s.refs
		port := s.port
		s.mu.Unlock()

		logger.Debug("Display acquired", "display", display, "refs", refs)
		return port
	}
}

// Release decrements the reference count. On the transition to zero the
// external stop command is issued exactly once with a bounded timeout and
// the record is removed whether or not the stop succeeded, so a failed
// teardown never wedges future acquire/release cycles.
func (m *DisplayManager) Release(display int) {
	m.mu.Lock()
	s, ok := m.sessions[display]
	m.mu.Unlock()

	if !ok {
		logger.Warn("Release of unknown display", "display", display)
		return
	}

	s.mu.Lock()
	if s.refs > 0 {
		s.refs--
	} else {
		logger.Warn("Display refcount already zero", "display", display)
	}
	if s.refs > 0 || s.defunct {
		refs := s.refs
		s.mu.Unlock()
		logger.Debug("Display released", "display", display, "refs", refs)
		return
	}
	s.defunct = true
	s.mu.Unlock()

	m.teardown(display, s)
}

func (m *DisplayManager) teardown(display int, s *displaySession) {
	ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
	defer cancel()

	err := m.breaker.Execute(ctx, func() error {
		return m.launcher.Stop(ctx, display)
	})
	if err != nil {
		// Bookkeeping is cleared anyway; the next acquire assumes a fresh
		// server was started.
		logger.Warn("Display teardown failed", "display", display, "error", err)
	} else {
		logger.Info("Display stopped", "display", display)
	}

	m.mu.Lock()
	if m.sessions[display] == s {
		delete(m.sessions, display)
	}
	_, replaced := m.sessions[display]
	m.mu.Unlock()
	if !replaced {
		// Keep the port record when a fresh session raced in behind us.
		m.addrs.UnregisterDisplay(display)
	}

	if m.sink != nil {
		m.sink.Emit(domain.Event{
			Type:    domain.EventResourceFreed,
			Display: display,
			Time:    time.Now(),
		})
	}
}

// Refs returns the current reference count for a display, 0 if unknown.
func (m *DisplayManager) Refs(display int) int {
	m.mu.Lock()
	s, ok := m.sessions[display]
	m.mu.Unlock()

	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.defunct {
		return 0
	}
	return s.refs
}

// Sessions returns a snapshot of the live display sessions.
func (m *DisplayManager) Sessions() []domain.DisplaySession {
	m.mu.Lock()
	sessions := make(map[int]*displaySession, len(m.sessions))
	for d, s := range m.sessions {
		sessions[d] = s
	}
	m.mu.Unlock()

	out := make([]domain.DisplaySession, 0, len(sessions))
	for d, s := range sessions {
		s.mu.Lock()
		if !s.defunct {
			out = append(out, domain.DisplaySession{Display: d, Port: s.port, Refs: s.refs})
		}
		s.mu.Unlock()
	}
	return out
}

// Count returns the number of live sessions.
func (m *DisplayManager) Count() int {
	return len(m.Sessions())
}
