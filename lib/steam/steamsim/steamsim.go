// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package steamsim is an in-process stand-in for the remote game
// service. It implements steam.Connector with configurable accounts,
// guard challenges, rate limiting, and token issuance, and is used by
// the session tests and the daemon's simulator mode.
package steamsim

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/masterfarm/masterfarm/lib/account"
	"github.com/masterfarm/masterfarm/lib/clock"
	"github.com/masterfarm/masterfarm/lib/steam"
)

// GuardMode selects how a simulated account challenges password
// logons.
type GuardMode int

const (
	// GuardNone: password alone is sufficient.
	GuardNone GuardMode = iota

	// GuardEmail: a fixed emailed code must be submitted.
	GuardEmail

	// GuardDevice: a TOTP code computed from the account's shared
	// secret must be submitted (or supplied up front in the logon).
	GuardDevice
)

// Account is a simulated account definition.
type Account struct {
	Login    string
	Password string

	// Guard selects the challenge behavior for password logons.
	Guard GuardMode

	// EmailCode is the accepted code when Guard is GuardEmail.
	EmailCode string

	// SharedSecret is the base64 TOTP secret when Guard is
	// GuardDevice.
	SharedSecret string

	// RateLimited makes every logon attempt fail with the rate limit
	// result.
	RateLimited bool
}

// DefaultTokenTTL is the refresh token lifetime the daemon uses for
// its simulator mode. Long enough that restarts within a development
// session reuse the stored token.
const DefaultTokenTTL = 30 * 24 * time.Hour

// Simulator implements steam.Connector against an in-memory account
// table. Safe for concurrent use.
type Simulator struct {
	clock    clock.Clock
	tokenTTL time.Duration

	mu       sync.Mutex
	accounts map[string]Account
	tokens   map[string]string   // refresh token → login
	live     map[string]*simConn // login → logged-on connection
}

// New creates a simulator. Issued refresh tokens expire after
// tokenTTL.
func New(clk clock.Clock, tokenTTL time.Duration) *Simulator {
	return &Simulator{
		clock:    clk,
		tokenTTL: tokenTTL,
		accounts: make(map[string]Account),
		tokens:   make(map[string]string),
		live:     make(map[string]*simConn),
	}
}

// AddAccount registers or replaces a simulated account.
func (s *Simulator) AddAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.Login] = a
}

// SetRateLimited toggles rate limiting for an account.
func (s *Simulator) SetRateLimited(login string, limited bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[login]
	a.RateLimited = limited
	s.accounts[login] = a
}

// IssueToken mints a refresh token for the login as the service would
// on a successful password logon. Exposed so tests can seed accounts
// with valid or soon-to-expire tokens.
func (s *Simulator) IssueToken(login string, expiry time.Time) string {
	token := mintToken(login, expiry)
	s.mu.Lock()
	s.tokens[token] = login
	s.mu.Unlock()
	return token
}

// InjectPlayingState delivers a PlayingState event to the login's
// logged-on connection, if any. Returns false when the account has no
// live session.
func (s *Simulator) InjectPlayingState(login string, blocked bool, appID uint32) bool {
	s.mu.Lock()
	conn := s.live[login]
	s.mu.Unlock()
	if conn == nil {
		return false
	}
	conn.push(steam.PlayingState{Blocked: blocked, AppID: appID})
	return true
}

// RotateToken issues a fresh token to the login's logged-on
// connection, simulating the periodic rotation the real service
// performs. Returns the new token, or "" when the account has no live
// session.
func (s *Simulator) RotateToken(login string) string {
	s.mu.Lock()
	conn := s.live[login]
	s.mu.Unlock()
	if conn == nil {
		return ""
	}
	token := s.IssueToken(login, s.clock.Now().Add(s.tokenTTL))
	conn.push(steam.TokenIssued{RefreshToken: token})
	return token
}

// Persona returns the last persona state set on the login's live
// connection.
func (s *Simulator) Persona(login string) (account.PersonaState, bool) {
	s.mu.Lock()
	conn := s.live[login]
	s.mu.Unlock()
	if conn == nil {
		return 0, false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.persona, true
}

// Activity returns the last activity list set on the login's live
// connection.
func (s *Simulator) Activity(login string) (account.ActivityList, bool) {
	s.mu.Lock()
	conn := s.live[login]
	s.mu.Unlock()
	if conn == nil {
		return nil, false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.activity, true
}

// Dial implements steam.Connector.
func (s *Simulator) Dial(ctx context.Context) (steam.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &simConn{
		sim:    s,
		events: make(chan steam.Event, 32),
	}, nil
}

// simConn is one simulated connection. Events are delivered on a
// buffered channel; the session layer drains promptly.
type simConn struct {
	sim    *Simulator
	events chan steam.Event

	mu        sync.Mutex
	closed    bool
	login     string
	awaiting  bool // guard code outstanding
	loggedOn  bool
	persona   account.PersonaState
	activity  account.ActivityList
	closeOnce sync.Once
}

var _ steam.Conn = (*simConn)(nil)

func (c *simConn) Events() <-chan steam.Event { return c.events }

func (c *simConn) push(event steam.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- event:
	default:
		// Buffer full means the session stopped draining; the real
		// service would drop the connection here too.
	}
}

func (c *simConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		login := c.login
		loggedOn := c.loggedOn
		c.mu.Unlock()

		if loggedOn {
			c.sim.mu.Lock()
			if c.sim.live[login] == c {
				delete(c.sim.live, login)
			}
			c.sim.mu.Unlock()
		}
		close(c.events)
	})
	return nil
}

// Logon evaluates the credentials and emits the outcome on Events.
func (c *simConn) Logon(ctx context.Context, logon steam.Logon) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.login = logon.Login
	c.mu.Unlock()

	c.sim.mu.Lock()
	acct, known := c.sim.accounts[logon.Login]
	c.sim.mu.Unlock()

	if !known {
		c.fail(steam.ClassifyResult(5, "unknown account"))
		return nil
	}
	if acct.RateLimited {
		c.fail(steam.ClassifyResult(84, "too many logon attempts"))
		return nil
	}

	// Token path: a token the simulator minted, unexpired, for this
	// login.
	if logon.RefreshToken != "" {
		c.sim.mu.Lock()
		tokenLogin, issued := c.sim.tokens[logon.RefreshToken]
		c.sim.mu.Unlock()

		if !issued || tokenLogin != logon.Login ||
			!steam.TokenValid(logon.RefreshToken, c.sim.clock.Now()) {
			c.fail(steam.ClassifyResult(64, "token rejected"))
			return nil
		}
		c.succeed(acct, false)
		return nil
	}

	// Password path.
	if logon.Password != acct.Password {
		c.fail(steam.ClassifyResult(5, "wrong password"))
		return nil
	}

	switch acct.Guard {
	case GuardNone:
		c.succeed(acct, true)
	case GuardDevice:
		if logon.GuardCode != "" && c.deviceCodeValid(acct, logon.GuardCode) {
			c.succeed(acct, true)
			return nil
		}
		c.askGuard("device", logon.GuardCode != "")
	case GuardEmail:
		if logon.GuardCode == acct.EmailCode && logon.GuardCode != "" {
			c.succeed(acct, true)
			return nil
		}
		c.askGuard("email", logon.GuardCode != "")
	}
	return nil
}

// SubmitGuardCode answers an outstanding guard challenge.
func (c *simConn) SubmitGuardCode(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	awaiting := c.awaiting
	login := c.login
	c.mu.Unlock()

	if !awaiting {
		return fmt.Errorf("steamsim: no guard challenge outstanding for %s", login)
	}

	c.sim.mu.Lock()
	acct := c.sim.accounts[login]
	c.sim.mu.Unlock()

	var valid bool
	var domain string
	switch acct.Guard {
	case GuardEmail:
		valid = code == acct.EmailCode && code != ""
		domain = "email"
	case GuardDevice:
		valid = c.deviceCodeValid(acct, code)
		domain = "device"
	}

	if valid {
		c.mu.Lock()
		c.awaiting = false
		c.mu.Unlock()
		c.succeed(acct, true)
		return nil
	}
	c.push(steam.GuardRequired{Domain: domain, LastCodeWrong: true})
	return nil
}

func (c *simConn) deviceCodeValid(acct Account, code string) bool {
	if acct.SharedSecret == "" || code == "" {
		return false
	}
	now := c.sim.clock.Now()
	// Accept the current window and its neighbors, as the service
	// does for clock skew.
	for _, offset := range []time.Duration{0, -30 * time.Second, 30 * time.Second} {
		expected, err := steam.GuardCode(acct.SharedSecret, now.Add(offset))
		if err == nil && expected == code {
			return true
		}
	}
	return false
}

// succeed marks the connection logged on, displaces any prior session
// for the login, and emits LoggedOn (plus a fresh token for password
// logons).
func (c *simConn) succeed(acct Account, issueToken bool) {
	c.sim.mu.Lock()
	previous := c.sim.live[acct.Login]
	c.sim.live[acct.Login] = c
	c.sim.mu.Unlock()

	if previous != nil && previous != c {
		previous.push(steam.Fatal{Err: steam.ClassifyResult(6, "logged on elsewhere")})
		previous.Close()
	}

	c.mu.Lock()
	c.loggedOn = true
	c.awaiting = false
	c.mu.Unlock()

	c.push(steam.LoggedOn{})
	if issueToken {
		token := c.sim.IssueToken(acct.Login, c.sim.clock.Now().Add(c.sim.tokenTTL))
		c.push(steam.TokenIssued{RefreshToken: token})
	}
}

func (c *simConn) askGuard(domain string, lastWrong bool) {
	c.mu.Lock()
	c.awaiting = true
	c.mu.Unlock()
	c.push(steam.GuardRequired{Domain: domain, LastCodeWrong: lastWrong})
}

func (c *simConn) fail(err *steam.Error) {
	c.push(steam.Fatal{Err: err})
}

// SetPersona implements steam.Conn.
func (c *simConn) SetPersona(ctx context.Context, state account.PersonaState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedOn {
		return fmt.Errorf("steamsim: SetPersona before logon")
	}
	c.persona = state
	return nil
}

// SetActivity implements steam.Conn.
func (c *simConn) SetActivity(ctx context.Context, activity account.ActivityList) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedOn {
		return fmt.Errorf("steamsim: SetActivity before logon")
	}
	c.activity = activity
	return nil
}

// mintToken builds an unsigned JWT whose exp claim is the expiry. The
// session layer only ever inspects the exp claim.
func mintToken(login string, expiry time.Time) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, _ := json.Marshal(map[string]any{
		"sub": login,
		"exp": expiry.Unix(),
		"iat": expiry.Add(-time.Hour).Unix(),
	})
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return header + "." + payload + ".simulated"
}
