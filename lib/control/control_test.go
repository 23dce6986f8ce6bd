// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/masterfarm/masterfarm/lib/account"
	"github.com/masterfarm/masterfarm/lib/challenge"
	"github.com/masterfarm/masterfarm/lib/clock"
	"github.com/masterfarm/masterfarm/lib/codec"
	"github.com/masterfarm/masterfarm/lib/notify"
	"github.com/masterfarm/masterfarm/lib/session"
	"github.com/masterfarm/masterfarm/lib/steam/steamsim"
)

// memStore is a map-backed account.Store for control tests.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]account.Account
}

func newMemStore() *memStore {
	return &memStore{accounts: make(map[string]account.Account)}
}

func key(ownerID int64, login string) string {
	return strconv.FormatInt(ownerID, 10) + ":" + login
}

func (m *memStore) Get(_ context.Context, ownerID int64, login string) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[key(ownerID, login)]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return a, nil
}

func (m *memStore) Owner(_ context.Context, ownerID int64) ([]account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []account.Account
	for _, a := range m.accounts {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) All(_ context.Context) ([]account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]account.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) Insert(_ context.Context, a account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(a.OwnerID, a.Login)
	if _, ok := m.accounts[k]; ok {
		return account.ErrExists
	}
	m.accounts[k] = a
	return nil
}

func (m *memStore) Upsert(_ context.Context, a account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[key(a.OwnerID, a.Login)] = a
	return nil
}

func (m *memStore) Exists(_ context.Context, ownerID int64, login string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[key(ownerID, login)]
	return ok, nil
}

func (m *memStore) Patch(_ context.Context, ownerID int64, login string, p account.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(ownerID, login)
	a, ok := m.accounts[k]
	if !ok {
		return account.ErrNotFound
	}
	if p.Token != nil {
		a.Token = *p.Token
	}
	if p.Password != nil {
		a.Password = *p.Password
	}
	if p.SharedSecret != nil {
		a.SharedSecret = *p.SharedSecret
	}
	if p.Presence != nil {
		a.Presence = *p.Presence
	}
	if p.Activity != nil {
		a.Activity = *p.Activity
	}
	m.accounts[k] = a
	return nil
}

func (m *memStore) Remove(_ context.Context, ownerID int64, login string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(ownerID, login)
	if _, ok := m.accounts[k]; !ok {
		return account.ErrNotFound
	}
	delete(m.accounts, k)
	return nil
}

type harness struct {
	store  *memStore
	sim    *steamsim.Simulator
	client *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newMemStore()
	sim := steamsim.New(clk, 24*time.Hour)

	broker, err := challenge.New(challenge.Config{Sink: notify.Discard, Clock: clk})
	if err != nil {
		t.Fatalf("challenge.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry, err := session.NewRegistry(ctx, session.Config{
		Store:     store,
		Broker:    broker,
		Sink:      notify.Discard,
		Connector: sim,
		Clock:     clk,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(registry.Close)

	socketPath := filepath.Join(t.TempDir(), "control.sock")
	server := NewServer(socketPath, store, registry, nil)

	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	// Wait for the socket file before dialing.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("control socket never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return &harness{store: store, sim: sim, client: NewClient(socketPath)}
}

func TestStatusAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Insert(ctx, account.Account{OwnerID: 100, Login: "alice", Password: "x"})
	h.store.Insert(ctx, account.Account{OwnerID: 200, Login: "bob", Password: "x"})

	status, err := h.client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Accounts != 2 {
		t.Errorf("Accounts = %d, want 2", status.Accounts)
	}
	if status.Sessions != 0 {
		t.Errorf("Sessions = %d, want 0", status.Sessions)
	}
	if status.StartedAt == "" {
		t.Error("StartedAt is empty")
	}
}

func TestStartListStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{Login: "alice", Password: "hunter2"})
	h.store.Insert(ctx, account.Account{OwnerID: 100, Login: "alice", Password: "hunter2"})

	if err := h.client.Start(100, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	listed, err := h.client.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed.Sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(listed.Sessions))
	}
	if listed.Sessions[0].OwnerID != 100 || listed.Sessions[0].Login != "alice" {
		t.Errorf("session = %+v", listed.Sessions[0])
	}

	// An owner filter that matches nobody returns an empty list.
	filtered, err := h.client.List(999)
	if err != nil {
		t.Fatalf("List(999): %v", err)
	}
	if len(filtered.Sessions) != 0 {
		t.Errorf("filtered sessions = %+v", filtered.Sessions)
	}

	if err := h.client.Stop(100, "alice"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The registry prunes the session entry shortly after Stop
	// returns; wait for that before asserting the second Stop fails.
	deadline := time.Now().Add(5 * time.Second)
	for {
		listed, err := h.client.List(0)
		if err != nil {
			t.Fatalf("List after stop: %v", err)
		}
		if len(listed.Sessions) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session still listed after stop: %+v", listed.Sessions)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.client.Stop(100, "alice"); err == nil {
		t.Error("second Stop succeeded, want error")
	}
}

func TestStartUnknownAccount(t *testing.T) {
	h := newHarness(t)
	err := h.client.Start(100, "nobody")
	if err == nil {
		t.Fatal("Start succeeded, want error")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v", err)
	}
}

func TestMissingFieldsRejected(t *testing.T) {
	h := newHarness(t)
	if err := h.client.Start(0, "alice"); err == nil || !strings.Contains(err.Error(), "owner_id") {
		t.Errorf("Start(0, alice) = %v, want owner_id error", err)
	}
	if err := h.client.Start(100, ""); err == nil || !strings.Contains(err.Error(), "login") {
		t.Errorf("Start(100, \"\") = %v, want login error", err)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	h := newHarness(t)

	conn, err := net.Dial("unix", h.client.socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(map[string]any{"action": "reboot"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if response.OK {
		t.Fatal("unknown action succeeded")
	}
	if !strings.Contains(response.Error, "unknown action") {
		t.Errorf("Error = %q", response.Error)
	}
}
