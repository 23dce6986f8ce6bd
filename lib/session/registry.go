// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/masterfarm/masterfarm/lib/account"
	"github.com/masterfarm/masterfarm/lib/challenge"
	"github.com/masterfarm/masterfarm/lib/clock"
	"github.com/masterfarm/masterfarm/lib/notify"
	"github.com/masterfarm/masterfarm/lib/steam"
)

// sessionKey identifies one account's session slot.
type sessionKey struct {
	ownerID int64
	login   string
}

// entry is a running controller plus its stop handle.
type entry struct {
	controller *controller
	cancel     context.CancelFunc
}

// Status describes one running session for list and status output.
type Status struct {
	OwnerID int64  `cbor:"owner_id" json:"owner_id"`
	Login   string `cbor:"login"    json:"login"`
	State   string `cbor:"state"    json:"state"`
}

// Config holds the collaborators a Registry wires into every session.
type Config struct {
	// Store is the account store. Required.
	Store account.Store

	// Broker routes interactive challenges. Required.
	Broker *challenge.Broker

	// Sink delivers owner notifications. Required.
	Sink notify.Sink

	// Connector establishes service connections. Required.
	Connector steam.Connector

	// Clock drives credential expiry checks and guard codes.
	// Required.
	Clock clock.Clock

	// MachineName is reported at logon.
	MachineName string

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Registry starts, stops, and tracks sessions. At most one session
// runs per (owner, login) at a time; Start on a running account is a
// no-op. Safe for concurrent use.
type Registry struct {
	store       account.Store
	broker      *challenge.Broker
	sink        notify.Sink
	connector   steam.Connector
	clock       clock.Clock
	logger      *slog.Logger
	machineName string

	baseCtx context.Context

	mu       sync.Mutex
	sessions map[sessionKey]*entry
	wg       sync.WaitGroup
	closed   bool
}

// NewRegistry creates a registry. Sessions live at most as long as
// ctx; cancelling it stops them all.
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: Store is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("session: Broker is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("session: Sink is required")
	}
	if cfg.Connector == nil {
		return nil, fmt.Errorf("session: Connector is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("session: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	machineName := cfg.MachineName
	if machineName == "" {
		machineName = "masterfarm"
	}

	return &Registry{
		store:       cfg.Store,
		broker:      cfg.Broker,
		sink:        cfg.Sink,
		connector:   cfg.Connector,
		clock:       cfg.Clock,
		logger:      logger,
		machineName: machineName,
		baseCtx:     ctx,
		sessions:    make(map[sessionKey]*entry),
	}, nil
}

// Start launches a session for the account. Idempotent: if a session
// is already running for the account, Start returns nil without
// touching it.
func (r *Registry) Start(ctx context.Context, ownerID int64, login string) error {
	acct, err := r.store.Get(ctx, ownerID, login)
	if err != nil {
		return fmt.Errorf("session: start %s: %w", login, err)
	}

	key := sessionKey{ownerID: ownerID, login: login}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("session: registry is closed")
	}
	if _, running := r.sessions[key]; running {
		r.mu.Unlock()
		return nil
	}

	sessionCtx, cancel := context.WithCancel(r.baseCtx)
	ctrl := newController(acct, r)
	r.sessions[key] = &entry{controller: ctrl, cancel: cancel}
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("session starting", "owner", ownerID, "login", login)

	go func() {
		defer r.wg.Done()
		ctrl.run(sessionCtx)
		cancel()

		r.mu.Lock()
		if current, ok := r.sessions[key]; ok && current.controller == ctrl {
			delete(r.sessions, key)
		}
		r.mu.Unlock()

		r.logger.Info("session ended", "owner", ownerID, "login", login)
	}()

	return nil
}

// Stop cancels the account's session and waits for it to wind down.
// Stopping an account with no session is a no-op. The stored account
// is left untouched and the owner is not notified.
func (r *Registry) Stop(ownerID int64, login string) {
	key := sessionKey{ownerID: ownerID, login: login}

	r.mu.Lock()
	current, ok := r.sessions[key]
	r.mu.Unlock()
	if !ok {
		return
	}

	current.cancel()
	<-current.controller.done
}

// Running reports whether the account currently has a session, and its
// state if so.
func (r *Registry) Running(ownerID int64, login string) (State, bool) {
	r.mu.Lock()
	current, ok := r.sessions[sessionKey{ownerID: ownerID, login: login}]
	r.mu.Unlock()
	if !ok {
		return 0, false
	}
	return current.controller.currentState(), true
}

// List returns the status of every running session, sorted by owner
// then login. ownerID filters to one owner when non-zero.
func (r *Registry) List(ownerID int64) []Status {
	r.mu.Lock()
	statuses := make([]Status, 0, len(r.sessions))
	for key, current := range r.sessions {
		if ownerID != 0 && key.ownerID != ownerID {
			continue
		}
		statuses = append(statuses, Status{
			OwnerID: key.ownerID,
			Login:   key.login,
			State:   current.controller.currentState().String(),
		})
	}
	r.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].OwnerID != statuses[j].OwnerID {
			return statuses[i].OwnerID < statuses[j].OwnerID
		}
		return statuses[i].Login < statuses[j].Login
	})
	return statuses
}

// StartAll launches sessions for every stored account. Used at daemon
// startup. Individual failures are logged and skipped so one broken
// account does not block the rest.
func (r *Registry) StartAll(ctx context.Context) {
	accounts, err := r.store.All(ctx)
	if err != nil {
		r.logger.Error("loading accounts for startup", "error", err)
		return
	}

	for _, acct := range accounts {
		if err := r.Start(ctx, acct.OwnerID, acct.Login); err != nil {
			r.logger.Error("startup session failed",
				"owner", acct.OwnerID,
				"login", acct.Login,
				"error", err,
			)
		}
	}
}

// UpdatePresence persists a new presence and applies it to the live
// session if one is connected.
func (r *Registry) UpdatePresence(ctx context.Context, ownerID int64, login string, state account.PersonaState) error {
	if err := r.store.Patch(ctx, ownerID, login, account.Patch{Presence: &state}); err != nil {
		return fmt.Errorf("session: update presence for %s: %w", login, err)
	}

	r.mu.Lock()
	current, ok := r.sessions[sessionKey{ownerID: ownerID, login: login}]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := current.controller.applyPresence(ctx, state); err != nil {
		return fmt.Errorf("session: apply presence for %s: %w", login, err)
	}
	return nil
}

// UpdateActivity persists a new activity list and applies it to the
// live session if one is connected.
func (r *Registry) UpdateActivity(ctx context.Context, ownerID int64, login string, activity account.ActivityList) error {
	if err := r.store.Patch(ctx, ownerID, login, account.Patch{Activity: &activity}); err != nil {
		return fmt.Errorf("session: update activity for %s: %w", login, err)
	}

	r.mu.Lock()
	current, ok := r.sessions[sessionKey{ownerID: ownerID, login: login}]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := current.controller.applyActivity(ctx, activity); err != nil {
		return fmt.Errorf("session: apply activity for %s: %w", login, err)
	}
	return nil
}

// Close stops every session and waits for all of them to wind down.
// The registry accepts no new sessions afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := make([]*entry, 0, len(r.sessions))
	for _, current := range r.sessions {
		entries = append(entries, current)
	}
	r.mu.Unlock()

	for _, current := range entries {
		current.cancel()
	}
	r.wg.Wait()
}
