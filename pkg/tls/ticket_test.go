// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func TestNewTicketRotator(t *testing.T) {
	t.Run("installs a random key", func(t *testing.T) {
		r, err := NewTicketRotator(&tls.Config{}, time.Hour, 3)
		require.NoError(t, err)

		keys := r.Keys()
		require.Len(t, keys, 1)
		require.NotEqual(t, [32]byte{}, keys[0])
		require.False(t, r.RotatedAt().IsZero())
		require.Equal(t, time.Hour, r.Interval())
	})

	t.Run("keys differ between rotators", func(t *testing.T) {
		a, err := NewTicketRotator(&tls.Config{}, 0, 1)
		require.NoError(t, err)
		b, err := NewTicketRotator(&tls.Config{}, 0, 1)
		require.NoError(t, err)
		require.NotEqual(t, a.Keys()[0], b.Keys()[0])
	})

	t.Run("rejects zero retention", func(t *testing.T) {
		_, err := NewTicketRotator(&tls.Config{}, time.Hour, 0)
		require.ErrorIs(t, err, ErrInvalidRetention)
	})
}

func TestTicketRotator_Rotate(t *testing.T) {
	var rotations atomic.Int32
	r, err := NewTicketRotator(&tls.Config{}, time.Hour, 2, WithRotateHook(func() { rotations.Add(1) }))
	require.NoError(t, err)

	first := r.Keys()[0]
	require.NoError(t, r.Rotate())
	second := r.Keys()[0]
	require.NoError(t, r.Rotate())

	keys := r.Keys()
	require.Len(t, keys, 2)
	require.NotEqual(t, first, keys[0])
	require.Equal(t, second, keys[1])
	require.NotContains(t, keys, first)
	require.Equal(t, int32(3), rotations.Load())
}

func TestTicketRotator_RotateFailureKeepsKeys(t *testing.T) {
	r, err := NewTicketRotator(&tls.Config{}, time.Hour, 2)
	require.NoError(t, err)
	before := r.Keys()

	r.random = failingReader{}
	require.Error(t, r.Rotate())
	require.Equal(t, before, r.Keys())
}

func TestTicketRotator_Run(t *testing.T) {
	t.Run("rotates periodically", func(t *testing.T) {
		var rotations atomic.Int32
		r, err := NewTicketRotator(&tls.Config{}, 10*time.Millisecond, 3, WithRotateHook(func() { rotations.Add(1) }))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- r.Run(ctx) }()

		require.Eventually(t, func() bool { return rotations.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, <-done)
		require.Len(t, r.Keys(), 3)
	})

	t.Run("disabled rotation waits for cancellation", func(t *testing.T) {
		r, err := NewTicketRotator(&tls.Config{}, 0, 3)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- r.Run(ctx) }()

		select {
		case <-done:
			t.Fatal("Run returned before cancellation")
		case <-time.After(50 * time.Millisecond):
		}
		cancel()
		require.NoError(t, <-done)
		require.Len(t, r.Keys(), 1)
	})
}
