// Package storage selects the active persistence backend and swaps it at
// runtime.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/internal/metrics"
)

// ErrMissingCredentials is wrapped in the ConnectionError of a hosted switch
// without a DSN.
var ErrMissingCredentials = errors.New("missing credentials")

// Credentials select the target of a switch. DSN is required for hosted;
// DataDir overrides the configured local directory.
type Credentials struct {
	DSN     string
	DataDir string
}

// Opener opens one backend kind. creds is never nil.
type Opener func(ctx context.Context, creds *Credentials) (pagegen.Backend, error)

// Switch holds the process-wide active backend.
type Switch struct {
	current atomic.Pointer[backendBox]
	openers map[pagegen.BackendKind]Opener
	logger  *slog.Logger

	// switching serializes Switch calls; reads never take it.
	switching sync.Mutex
}

type backendBox struct {
	backend pagegen.Backend
}

// SwitchOption configures a Switch.
type SwitchOption func(*Switch)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) SwitchOption {
	return func(s *Switch) {
		s.logger = l
	}
}

// WithOpener registers the opener for kind.
func WithOpener(kind pagegen.BackendKind, open Opener) SwitchOption {
	return func(s *Switch) {
		s.openers[kind] = open
	}
}

// NewSwitch starts with initial as the active backend.
func NewSwitch(initial pagegen.Backend, opts ...SwitchOption) *Switch {
	s := &Switch{
		openers: make(map[pagegen.BackendKind]Opener),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(&backendBox{backend: initial})
	return s
}

// Current returns the active backend.
func (s *Switch) Current() pagegen.Backend {
	return s.current.Load().backend
}

// Kind returns the kind of the active backend.
func (s *Switch) Kind() pagegen.BackendKind {
	return s.Current().Kind()
}

// Switch opens target with creds, verifies it with Ping and makes it active.
// Any failure returns *pagegen.ConnectionError and leaves the previous
// backend active. Data is not migrated between backends.
func (s *Switch) Switch(ctx context.Context, target pagegen.BackendKind, creds *Credentials) error {
	s.switching.Lock()
	defer s.switching.Unlock()

	next, err := s.open(ctx, target, creds)
	if err != nil {
		metrics.BackendSwitches.WithLabelValues(string(target), "error").Inc()
		s.logger.Warn("backend switch failed",
			"target", string(target),
			"active", string(s.Kind()),
			"error", err.Error(),
		)
		return &pagegen.ConnectionError{Backend: target, Err: err}
	}

	prev := s.current.Swap(&backendBox{backend: next})
	metrics.BackendSwitches.WithLabelValues(string(target), "success").Inc()
	s.logger.Info("backend switched", "from", string(prev.backend.Kind()), "to", string(target))

	if prev.backend != next {
		if err := prev.backend.Close(); err != nil {
			s.logger.Warn("failed to close previous backend", "kind", string(prev.backend.Kind()), "error", err.Error())
		}
	}
	return nil
}

func (s *Switch) open(ctx context.Context, target pagegen.BackendKind, creds *Credentials) (pagegen.Backend, error) {
	open, ok := s.openers[target]
	if !ok {
		return nil, fmt.Errorf("no opener for backend %q", target)
	}
	if creds == nil {
		creds = &Credentials{}
	}
	if target == pagegen.BackendHosted && creds.DSN == "" {
		return nil, ErrMissingCredentials
	}

	b, err := open(ctx, creds)
	if err != nil {
		return nil, err
	}
	if err := b.Ping(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("verify %s backend: %w", target, err)
	}
	return b, nil
}

// Close closes the active backend.
func (s *Switch) Close() error {
	return s.Current().Close()
}
