// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	gwerrors "github.com/thanaParis/everest-demo/pkg/errors"
)

// ErrInvalidRetention is returned when fewer than one ticket key would be kept.
var ErrInvalidRetention = errors.New("at least one session ticket key must be retained")

// TicketRotator owns the session ticket keys of a server configuration.
//
// Keys are generated from crypto/rand, never configured statically. The
// newest key encrypts new tickets; older retained keys still decrypt tickets
// issued before the last rotations.
type TicketRotator struct {
	config   *tls.Config
	interval time.Duration
	retain   int
	logger   *slog.Logger
	onRotate func()
	random   io.Reader

	mu        sync.RWMutex
	keys      [][32]byte
	rotatedAt time.Time
}

// TicketOption configures a TicketRotator.
type TicketOption func(*TicketRotator)

// WithLogger sets the logger used to report rotations.
func WithLogger(logger *slog.Logger) TicketOption {
	return func(r *TicketRotator) {
		r.logger = logger
	}
}

// WithRotateHook registers a function called after every successful rotation.
func WithRotateHook(fn func()) TicketOption {
	return func(r *TicketRotator) {
		r.onRotate = fn
	}
}

// NewTicketRotator installs a fresh random ticket key on cfg and returns a
// rotator that replaces it every interval. An interval of zero disables
// periodic rotation; the key is still unique to this process.
func NewTicketRotator(cfg *tls.Config, interval time.Duration, retain int, opts ...TicketOption) (*TicketRotator, error) {
	if retain < 1 {
		return nil, ErrInvalidRetention
	}

	r := &TicketRotator{
		config:   cfg,
		interval: interval,
		retain:   retain,
		logger:   slog.Default(),
		random:   rand.Reader,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.Rotate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Rotate generates a new key, makes it the active one and drops keys beyond
// the retention limit.
func (r *TicketRotator) Rotate() error {
	var key [32]byte
	if _, err := io.ReadFull(r.random, key[:]); err != nil {
		return gwerrors.Wrap(err, "failed to generate session ticket key")
	}

	r.mu.Lock()
	keys := append([][32]byte{key}, r.keys...)
	if len(keys) > r.retain {
		keys = keys[:r.retain]
	}
	r.keys = keys
	r.rotatedAt = time.Now()
	r.config.SetSessionTicketKeys(keys)
	r.mu.Unlock()

	r.logger.Debug("session ticket key rotated", slog.Int("retained", len(keys)))
	if r.onRotate != nil {
		r.onRotate()
	}
	return nil
}

// Keys returns a copy of the retained keys, newest first.
func (r *TicketRotator) Keys() [][32]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([][32]byte(nil), r.keys...)
}

// RotatedAt returns the time of the last successful rotation.
func (r *TicketRotator) RotatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rotatedAt
}

// Interval returns the rotation interval.
func (r *TicketRotator) Interval() time.Duration {
	return r.interval
}

// Run rotates keys every interval until ctx is done.
// A failed rotation is logged and the current keys stay in use.
func (r *TicketRotator) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Rotate(); err != nil {
				r.logger.Error("session ticket key rotation failed", slog.String("error", err.Error()))
			}
		}
	}
}
