// Package listener runs the proxy and admin HTTP servers under a single
// supervisor.
package listener

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Listener is a server that can be bound, served and shut down.
type Listener interface {
	// ID returns the unique identifier for this listener
	ID() string

	// Protocol describes what is served, e.g. "http", "https+h3".
	Protocol() string

	// Addr returns the bound address once Bind has succeeded, else the
	// configured one.
	Addr() string

	// Bind opens the sockets so address errors surface before serving.
	Bind() error

	// Serve blocks until Shutdown. A graceful shutdown returns nil.
	Serve() error

	// Shutdown stops accepting and drains in-flight requests.
	Shutdown(ctx context.Context) error
}

// Manager manages multiple listeners
type Manager struct {
	mu        sync.RWMutex
	listeners []Listener
	ids       map[string]bool
	logger    *zap.Logger
}

// NewManager creates a new listener manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		ids:    make(map[string]bool),
		logger: logger,
	}
}

// Add adds a listener to the manager
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ids[l.ID()] {
		return fmt.Errorf("listener with id %s already exists", l.ID())
	}
	m.ids[l.ID()] = true
	m.listeners = append(m.listeners, l)
	return nil
}

// Count returns the number of registered listeners
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// List returns all listener IDs in registration order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.listeners))
	for _, l := range m.listeners {
		ids = append(ids, l.ID())
	}
	return ids
}

// Run binds every listener, serves until ctx is cancelled or one of them
// fails, then shuts all of them down within shutdownTimeout.
func (m *Manager) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()

	for i, l := range listeners {
		if err := l.Bind(); err != nil {
			m.shutdown(listeners[:i], shutdownTimeout)
			return fmt.Errorf("listener %s: %w", l.ID(), err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error {
			m.logger.Info("listener started",
				zap.String("id", l.ID()),
				zap.String("protocol", l.Protocol()),
				zap.String("addr", l.Addr()),
			)
			if err := l.Serve(); err != nil {
				return fmt.Errorf("listener %s: %w", l.ID(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return m.shutdown(listeners, shutdownTimeout)
	})
	return g.Wait()
}

func (m *Manager) shutdown(listeners []Listener, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, l := range listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.logger.Info("stopping listener", zap.String("id", l.ID()))
			if err := l.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("listener %s: %w", l.ID(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return stderrors.Join(errs...)
}
