// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/masterfarm/masterfarm/lib/account"
	"github.com/masterfarm/masterfarm/lib/challenge"
	"github.com/masterfarm/masterfarm/lib/clock"
	"github.com/masterfarm/masterfarm/lib/notify"
	"github.com/masterfarm/masterfarm/lib/steam"
	"github.com/masterfarm/masterfarm/lib/steam/steamsim"
	"github.com/masterfarm/masterfarm/lib/testutil"
)

const testWait = 5 * time.Second

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memStore is an in-memory account.Store. Patches are mirrored to the
// patched channel so tests can wait for persistence instead of
// polling.
type memStore struct {
	mu       sync.Mutex
	accounts map[sessionKey]account.Account
	patched  chan account.Patch
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[sessionKey]account.Account),
		patched:  make(chan account.Patch, 16),
	}
}

func (m *memStore) Get(_ context.Context, ownerID int64, login string) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[sessionKey{ownerID, login}]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return a, nil
}

func (m *memStore) Owner(_ context.Context, ownerID int64) ([]account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []account.Account
	for key, a := range m.accounts {
		if key.ownerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) All(_ context.Context) ([]account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []account.Account
	for _, a := range m.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) Insert(_ context.Context, a account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey{a.OwnerID, a.Login}
	if _, ok := m.accounts[key]; ok {
		return account.ErrExists
	}
	m.accounts[key] = a
	return nil
}

func (m *memStore) Upsert(_ context.Context, a account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[sessionKey{a.OwnerID, a.Login}] = a
	return nil
}

func (m *memStore) Exists(_ context.Context, ownerID int64, login string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[sessionKey{ownerID, login}]
	return ok, nil
}

func (m *memStore) Patch(_ context.Context, ownerID int64, login string, p account.Patch) error {
	m.mu.Lock()
	key := sessionKey{ownerID, login}
	a, ok := m.accounts[key]
	if !ok {
		m.mu.Unlock()
		return account.ErrNotFound
	}
	if p.Password != nil {
		a.Password = *p.Password
	}
	if p.Token != nil {
		a.Token = *p.Token
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
	m.accounts[key] = a
	m.mu.Unlock()

	select {
	case m.patched <- p:
	default:
	}
	return nil
}

func (m *memStore) Remove(_ context.Context, ownerID int64, login string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey{ownerID, login}
	if _, ok := m.accounts[key]; !ok {
		return account.ErrNotFound
	}
	delete(m.accounts, key)
	return nil
}

type message struct {
	ownerID     int64
	text        string
	affordances []notify.Affordance
}

// harness bundles the collaborators for one registry under test.
type harness struct {
	store    *memStore
	sim      *steamsim.Simulator
	broker   *challenge.Broker
	registry *Registry
	messages chan message
	clock    *clock.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clk := clock.Fake(testEpoch)
	store := newMemStore()
	sim := steamsim.New(clk, 24*time.Hour)
	messages := make(chan message, 32)

	sink := notify.Func(func(_ context.Context, ownerID int64, text string, affordances ...notify.Affordance) error {
		messages <- message{ownerID: ownerID, text: text, affordances: affordances}
		return nil
	})

	broker, err := challenge.New(challenge.Config{
		Sink:    sink,
		Clock:   clk,
		Timeout: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("challenge.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry, err := NewRegistry(ctx, Config{
		Store:       store,
		Broker:      broker,
		Sink:        sink,
		Connector:   sim,
		Clock:       clk,
		MachineName: "masterfarm-test",
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(registry.Close)

	return &harness{
		store:    store,
		sim:      sim,
		broker:   broker,
		registry: registry,
		messages: messages,
		clock:    clk,
	}
}

// waitUntil polls condition until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// expectMessage receives messages until one contains want.
func (h *harness) expectMessage(t *testing.T, want string) message {
	t.Helper()
	for {
		msg := testutil.RequireReceive(t, h.messages, testWait, "waiting for message containing %q", want)
		if strings.Contains(msg.text, want) {
			return msg
		}
	}
}

func TestTokenLogonConnects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{Login: "alice", Password: "hunter2"})
	token := h.sim.IssueToken("alice", testEpoch.Add(time.Hour))
	h.store.Insert(ctx, account.Account{
		OwnerID: 100, Login: "alice", Password: "hunter2", Token: token,
		Presence: account.Away,
	})

	if err := h.registry.Start(ctx, 100, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	msg := h.expectMessage(t, "online and farming")
	if msg.ownerID != 100 {
		t.Errorf("notification went to owner %d", msg.ownerID)
	}
	if len(msg.affordances) != 1 || msg.affordances[0].Action != "stop:alice" {
		t.Errorf("affordances = %+v, want stop:alice", msg.affordances)
	}

	waitUntil(t, "connected state", func() bool {
		state, ok := h.registry.Running(100, "alice")
		return ok && state == Connected
	})

	persona, ok := h.sim.Persona("alice")
	if !ok || persona != account.Away {
		t.Errorf("persona = %v, %v, want Away", persona, ok)
	}
}

func TestPasswordLogonPersistsIssuedToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{Login: "alice", Password: "hunter2"})
	h.store.Insert(ctx, account.Account{OwnerID: 100, Login: "alice", Password: "hunter2"})

	if err := h.registry.Start(ctx, 100, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.expectMessage(t, "online and farming")

	patch := testutil.RequireReceive(t, h.store.patched, testWait, "waiting for token patch")
	if patch.Token == nil || *patch.Token == "" {
		t.Fatalf("patch = %+v, want token", patch)
	}
	if !steam.TokenValid(*patch.Token, testEpoch) {
		t.Error("persisted token is not valid")
	}
}

func TestGuardChallengeRetryLoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{
		Login: "alice", Password: "hunter2",
		Guard: steamsim.GuardEmail, EmailCode: "ABC12",
	})
	h.store.Insert(ctx, account.Account{OwnerID: 100, Login: "alice", Password: "hunter2"})

	if err := h.registry.Start(ctx, 100, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.expectMessage(t, "needs a guard code")
	waitUntil(t, "awaiting_code state", func() bool {
		state, ok := h.registry.Running(100, "alice")
		return ok && state == AwaitingCode
	})

	// Wrong answer: the service rejects it and the owner is asked
	// again.
	if !h.broker.Submit(100, "WRONG") {
		t.Fatal("Submit returned false")
	}
	h.expectMessage(t, "code was rejected")

	// Correct answer completes the login.
	waitUntil(t, "second challenge slot", func() bool {
		return h.broker.Submit(100, "ABC12")
	})
	h.expectMessage(t, "online and farming")
}

func TestSharedSecretAvoidsChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	secret := base64.StdEncoding.EncodeToString([]byte("0123456789abcdefghij"))
	h.sim.AddAccount(steamsim.Account{
		Login: "alice", Password: "hunter2",
		Guard: steamsim.GuardDevice, SharedSecret: secret,
	})
	h.store.Insert(ctx, account.Account{
		OwnerID: 100, Login: "alice", Password: "hunter2", SharedSecret: secret,
	})

	if err := h.registry.Start(ctx, 100, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	msg := h.expectMessage(t, "online and farming")
	if strings.Contains(msg.text, "guard code") {
		t.Errorf("unexpected challenge prompt: %q", msg.text)
	}
}

func TestExpiredTokenFallsBackToPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{Login: "alice", Password: "hunter2"})
	stale := h.sim.IssueToken("alice", testEpoch.Add(-time.Minute))
	h.store.Insert(ctx, account.Account{
		OwnerID: 100, Login: "alice", Password: "hunter2", Token: stale,
	})

	if err := h.registry.Start(ctx, 100, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Password fallback succeeds without operator involvement.
	h.expectMessage(t, "online and farming")

	waitUntil(t, "fresh token persisted", func() bool {
		a, err := h.store.Get(ctx, 100, "alice")
		return err == nil && a.Token != "" && a.Token != stale
	})
}

func TestWrongPasswordInteractiveRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{Login: "alice", Password: "correct-horse"})
	h.store.Insert(ctx, account.Account{OwnerID: 100, Login: "alice", Password: "wrong"})

	if err := h.registry.Start(ctx, 100, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.expectMessage(t, "password for alice was rejected")
	waitUntil(t, "awaiting_password state", func() bool {
		state, ok := h.registry.Running(100, "alice")
		return ok && state == AwaitingPassword
	})

	if !h.broker.Submit(100, "correct-horse") {
		t.Fatal("Submit returned false")
	}

	h.expectMessage(t, "online and farming")
	waitUntil(t, "corrected password persisted", func() bool {
		a, err := h.store.Get(ctx, 100, "alice")
		return err == nil && a.Password == "correct-horse"
	})
}

func TestRateLimitedDoesNotRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{Login: "alice", Password: "hunter2", RateLimited: true})
	h.store.Insert(ctx, account.Account{OwnerID: 100, Login: "alice", Password: "hunter2"})

	if err := h.registry.Start(ctx, 100, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.expectMessage(t, "too many login attempts")
	waitUntil(t, "session removed", func() bool {
		_, ok := h.registry.Running(100, "alice")
		return !ok
	})

	// No further attempts: the message channel stays quiet.
	select {
	case extra := <-h.messages:
		t.Errorf("unexpected follow-up message: %q", extra.text)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSupersededElsewhere(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{Login: "alice", Password: "hunter2"})
	h.store.Insert(ctx, account.Account{OwnerID: 100, Login: "alice", Password: "hunter2"})

	if err := h.registry.Start(ctx, 100, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.expectMessage(t, "online and farming")

	// Someone logs the account on from another device.
	intruder, err := h.sim.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer intruder.Close()
	intruder.Logon(ctx, steam.Logon{Login: "alice", Password: "hunter2"})

	msg := h.expectMessage(t, "logged in from somewhere else")
	if len(msg.affordances) != 1 || msg.affordances[0].Action != "resume:alice" {
		t.Errorf("affordances = %+v, want resume:alice", msg.affordances)
	}

	waitUntil(t, "session removed", func() bool {
		_, ok := h.registry.Running(100, "alice")
		return !ok
	})

	// The account record survives for a later resume.
	if _, err := h.store.Get(ctx, 100, "alice"); err != nil {
		t.Errorf("account removed from store: %v", err)
	}
}

func TestPlayingElsewhereNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{Login: "alice", Password: "hunter2"})
	h.store.Insert(ctx, account.Account{OwnerID: 100, Login: "alice", Password: "hunter2"})

	if err := h.registry.Start(ctx, 100, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.expectMessage(t, "online and farming")

	if !h.sim.InjectPlayingState("alice", true, 730) {
		t.Fatal("InjectPlayingState: no live session")
	}
	h.expectMessage(t, "another device is playing")

	// Repeated blocked reports do not repeat the notice; the session
	// stays connected.
	h.sim.InjectPlayingState("alice", true, 730)
	select {
	case extra := <-h.messages:
		t.Errorf("duplicate blocked notice: %q", extra.text)
	case <-time.After(100 * time.Millisecond):
	}

	state, ok := h.registry.Running(100, "alice")
	if !ok || state != Connected {
		t.Errorf("state = %v, %v, want Connected", state, ok)
	}

	// Unblock, block again: the notice re-arms.
	h.sim.InjectPlayingState("alice", false, 0)
	waitUntil(t, "block re-armed", func() bool {
		return h.sim.InjectPlayingState("alice", true, 730)
	})
	h.expectMessage(t, "another device is playing")
}

func TestStopIsSilentAndLeavesAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{Login: "alice", Password: "hunter2"})
	h.store.Insert(ctx, account.Account{OwnerID: 100, Login: "alice", Password: "hunter2"})

	if err := h.registry.Start(ctx, 100, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.expectMessage(t, "online and farming")
	before, _ := h.store.Get(ctx, 100, "alice")

	h.registry.Stop(100, "alice")

	if _, ok := h.registry.Running(100, "alice"); ok {
		t.Error("session still running after Stop")
	}
	select {
	case msg := <-h.messages:
		t.Errorf("stop produced a notification: %q", msg.text)
	case <-time.After(100 * time.Millisecond):
	}

	after, err := h.store.Get(ctx, 100, "alice")
	if err != nil {
		t.Fatalf("account gone after Stop: %v", err)
	}
	if after.Password != before.Password || after.Token != before.Token {
		t.Error("Stop modified the stored account")
	}

	// Stopping again is a no-op.
	h.registry.Stop(100, "alice")
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{Login: "alice", Password: "hunter2"})
	h.store.Insert(ctx, account.Account{OwnerID: 100, Login: "alice", Password: "hunter2"})

	if err := h.registry.Start(ctx, 100, "alice"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	h.expectMessage(t, "online and farming")

	for i := 0; i < 5; i++ {
		if err := h.registry.Start(ctx, 100, "alice"); err != nil {
			t.Fatalf("repeat Start: %v", err)
		}
	}

	if got := h.registry.List(100); len(got) != 1 {
		t.Errorf("List = %v, want one session", got)
	}
	select {
	case msg := <-h.messages:
		t.Errorf("repeat Start produced a message: %q", msg.text)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConcurrentStartStopSingleSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{Login: "alice", Password: "hunter2"})
	h.store.Insert(ctx, account.Account{OwnerID: 100, Login: "alice", Password: "hunter2"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				h.registry.Start(ctx, 100, "alice")
			} else {
				h.registry.Stop(100, "alice")
			}
		}(i)
	}
	wg.Wait()

	if got := h.registry.List(100); len(got) > 1 {
		t.Errorf("List = %v, want at most one session", got)
	}
}

func TestUpdatePresenceAndActivityLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{Login: "alice", Password: "hunter2"})
	h.store.Insert(ctx, account.Account{
		OwnerID: 100, Login: "alice", Password: "hunter2", Presence: account.Online,
	})

	if err := h.registry.Start(ctx, 100, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.expectMessage(t, "online and farming")
	waitUntil(t, "connected state", func() bool {
		state, ok := h.registry.Running(100, "alice")
		return ok && state == Connected
	})

	if err := h.registry.UpdatePresence(ctx, 100, "alice", account.Invisible); err != nil {
		t.Fatalf("UpdatePresence: %v", err)
	}
	persona, _ := h.sim.Persona("alice")
	if persona != account.Invisible {
		t.Errorf("live persona = %v, want Invisible", persona)
	}
	stored, _ := h.store.Get(ctx, 100, "alice")
	if stored.Presence != account.Invisible {
		t.Errorf("stored presence = %v, want Invisible", stored.Presence)
	}

	activity := account.ActivityList{{AppID: 730}, {Title: "chilling"}}
	if err := h.registry.UpdateActivity(ctx, 100, "alice", activity); err != nil {
		t.Fatalf("UpdateActivity: %v", err)
	}
	live, _ := h.sim.Activity("alice")
	if len(live) != 2 || live[0].AppID != 730 {
		t.Errorf("live activity = %v", live)
	}
}

func TestUpdatePresenceOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Insert(ctx, account.Account{OwnerID: 100, Login: "alice", Password: "hunter2"})

	// No session running: the store is updated, nothing else happens.
	if err := h.registry.UpdatePresence(ctx, 100, "alice", account.Snooze); err != nil {
		t.Fatalf("UpdatePresence: %v", err)
	}
	stored, _ := h.store.Get(ctx, 100, "alice")
	if stored.Presence != account.Snooze {
		t.Errorf("stored presence = %v, want Snooze", stored.Presence)
	}
}

func TestStartAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sim.AddAccount(steamsim.Account{Login: "alice", Password: "a"})
	h.sim.AddAccount(steamsim.Account{Login: "bob", Password: "b"})
	h.store.Insert(ctx, account.Account{OwnerID: 100, Login: "alice", Password: "a"})
	h.store.Insert(ctx, account.Account{OwnerID: 200, Login: "bob", Password: "b"})

	h.registry.StartAll(ctx)

	connected := map[string]bool{}
	for len(connected) < 2 {
		msg := testutil.RequireReceive(t, h.messages, testWait, "waiting for startup notifications")
		if strings.Contains(msg.text, "online and farming") {
			name := strings.Fields(msg.text)[1]
			connected[name] = true
		}
	}
	if !connected["alice"] || !connected["bob"] {
		t.Errorf("connected = %v", connected)
	}
}

func TestStartUnknownAccount(t *testing.T) {
	h := newHarness(t)
	if err := h.registry.Start(context.Background(), 100, "ghost"); err == nil {
		t.Error("Start of unknown account succeeded, want error")
	}
}
