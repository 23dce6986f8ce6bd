// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package challenge brokers interactive credential challenges between
// sessions and owners. A session that needs operator input (a guard
// code, a corrected password) posts a challenge; the owner's next
// answer is routed back to exactly that session.
//
// At most one challenge is pending per owner at a time. A second
// session asking while one is outstanding fails fast with ErrPending
// rather than queueing, so the owner is never ambiguously prompted.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/masterfarm/masterfarm/lib/clock"
	"github.com/masterfarm/masterfarm/lib/notify"
)

// Kind says what the session is asking for.
type Kind int

const (
	// OneTimeCode asks for a guard code delivered out of band.
	OneTimeCode Kind = iota

	// PasswordRetry asks for a corrected password after a rejection.
	PasswordRetry
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case OneTimeCode:
		return "one_time_code"
	case PasswordRetry:
		return "password_retry"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrPending is returned by Request when the owner already has a
// challenge outstanding.
var ErrPending = errors.New("challenge: another challenge is pending for this owner")

// ErrTimeout is returned by Request when no answer arrived within the
// broker's timeout.
var ErrTimeout = errors.New("challenge: timed out waiting for answer")

// Pending describes an outstanding challenge, for status displays.
type Pending struct {
	Login string
	Kind  Kind
}

// Broker routes challenge prompts to owners and answers back to the
// waiting session. Safe for concurrent use.
type Broker struct {
	sink    notify.Sink
	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[int64]*slot
}

type slot struct {
	login  string
	kind   Kind
	answer chan string
}

// Config holds the parameters for creating a broker.
type Config struct {
	// Sink delivers challenge prompts to owners. Required.
	Sink notify.Sink

	// Clock drives the answer timeout. Required.
	Clock clock.Clock

	// Timeout is how long Request waits for an answer. Defaults to
	// 5 minutes if zero.
	Timeout time.Duration

	// Logger receives operational messages.
	Logger *slog.Logger
}

// New creates a broker.
func New(cfg Config) (*Broker, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("challenge: Sink is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("challenge: Clock is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broker{
		sink:    cfg.Sink,
		clock:   cfg.Clock,
		timeout: timeout,
		logger:  logger,
		pending: make(map[int64]*slot),
	}, nil
}

// Request sends prompt to the owner and blocks until the owner
// answers, the timeout passes (ErrTimeout), the context is cancelled,
// or the owner already has a challenge outstanding (ErrPending,
// immediately, without sending anything). The pending slot is released
// before Request returns in every case.
func (b *Broker) Request(ctx context.Context, ownerID int64, login string, kind Kind, prompt string) (string, error) {
	b.mu.Lock()
	if _, occupied := b.pending[ownerID]; occupied {
		b.mu.Unlock()
		return "", ErrPending
	}
	s := &slot{login: login, kind: kind, answer: make(chan string, 1)}
	b.pending[ownerID] = s
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.pending[ownerID] == s {
			delete(b.pending, ownerID)
		}
		b.mu.Unlock()
	}()

	if err := b.sink.Send(ctx, ownerID, prompt); err != nil {
		return "", fmt.Errorf("challenge: sending prompt: %w", err)
	}

	b.logger.Info("challenge posted",
		"owner", ownerID,
		"login", login,
		"kind", kind,
	)

	select {
	case answer := <-s.answer:
		return answer, nil
	case <-b.clock.After(b.timeout):
		b.logger.Warn("challenge timed out",
			"owner", ownerID,
			"login", login,
			"kind", kind,
		)
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Submit delivers the owner's answer to the waiting session. Returns
// false when no challenge is outstanding for the owner — the caller
// should tell the owner nothing was expected.
func (b *Broker) Submit(ownerID int64, answer string) bool {
	b.mu.Lock()
	s, ok := b.pending[ownerID]
	if ok {
		// The slot stays until Request returns; a second Submit in
		// that window is treated as stray.
		delete(b.pending, ownerID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	s.answer <- answer
	return true
}

// Outstanding returns the owner's pending challenge, if any.
func (b *Broker) Outstanding(ownerID int64) (Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.pending[ownerID]
	if !ok {
		return Pending{}, false
	}
	return Pending{Login: s.login, Kind: s.kind}, true
}
