// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/masterfarm/masterfarm/lib/account"
	"github.com/masterfarm/masterfarm/lib/challenge"
	"github.com/masterfarm/masterfarm/lib/clock"
	"github.com/masterfarm/masterfarm/lib/notify"
	"github.com/masterfarm/masterfarm/lib/steam"
)

// State is the observable phase of a running session.
type State int

const (
	// Connecting: dialing or waiting for the logon outcome.
	Connecting State = iota

	// AwaitingCode: a guard code challenge is out to the owner.
	AwaitingCode

	// AwaitingPassword: a password retry challenge is out to the
	// owner.
	AwaitingPassword

	// Connected: logged on and advertising presence and activity.
	Connected
)

// String returns the state name shown in status output.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case AwaitingCode:
		return "awaiting_code"
	case AwaitingPassword:
		return "awaiting_password"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// controller runs the login lifecycle for one account. Created and
// owned by the Registry; the run loop is the only writer of acct.
type controller struct {
	store       account.Store
	broker      *challenge.Broker
	sink        notify.Sink
	connector   steam.Connector
	clock       clock.Clock
	logger      *slog.Logger
	machineName string

	mu       sync.Mutex
	acct     account.Account
	state    State
	conn     steam.Conn // non-nil only while Connected
	blocked  bool       // playing-elsewhere notice already sent
	announce bool       // connected notice already sent this run

	done chan struct{}
}

func newController(a account.Account, reg *Registry) *controller {
	return &controller{
		store:       reg.store,
		broker:      reg.broker,
		sink:        reg.sink,
		connector:   reg.connector,
		clock:       reg.clock,
		logger:      reg.logger.With("owner", a.OwnerID, "login", a.Login),
		machineName: reg.machineName,
		acct:        a,
		state:       Connecting,
		done:        make(chan struct{}),
	}
}

// run drives connection attempts until the session ends. Each attempt
// may queue a follow-up attempt (token fallback, corrected password);
// anything else terminates the session. Cancellation of ctx is the
// stop path and produces no notification.
func (c *controller) run(ctx context.Context) {
	defer close(c.done)

	for {
		again := c.attempt(ctx)
		if !again || ctx.Err() != nil {
			return
		}
	}
}

// attempt performs one dial-logon-event cycle. Returns true when the
// session should immediately try again with adjusted credentials.
func (c *controller) attempt(ctx context.Context) bool {
	c.setState(Connecting)

	logon, usedToken, err := c.buildLogon()
	if err != nil {
		c.logger.Error("cannot build logon", "error", err)
		c.notify(ctx, fmt.Sprintf("⚠️ %s cannot log in: %v", c.login(), err))
		return false
	}

	conn, err := c.connector.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.logger.Error("dial failed", "error", err)
		c.notify(ctx, fmt.Sprintf("⚠️ %s: connection failed: %v", c.login(), err))
		return false
	}
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if err := conn.Logon(ctx, logon); err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.logger.Error("logon send failed", "error", err)
		return false
	}

	for {
		select {
		case <-ctx.Done():
			return false

		case event, ok := <-conn.Events():
			if !ok {
				if ctx.Err() != nil {
					return false
				}
				c.logger.Warn("connection closed by peer")
				c.notify(ctx, fmt.Sprintf("⚠️ %s: connection lost.", c.login()))
				return false
			}

			switch e := event.(type) {
			case steam.GuardRequired:
				if !c.handleGuard(ctx, conn, e) {
					return false
				}

			case steam.LoggedOn:
				c.handleLoggedOn(ctx, conn)

			case steam.TokenIssued:
				c.persistToken(ctx, e.RefreshToken)

			case steam.PlayingState:
				c.handlePlayingState(ctx, e)

			case steam.Fatal:
				return c.handleFatal(ctx, e.Err, usedToken)
			}
		}
	}
}

// buildLogon selects credentials in priority order: a valid token,
// then a password with a computed guard code when a shared secret is
// stored, then the bare password (interactive challenges follow).
// Reports whether the attempt rides on the token.
func (c *controller) buildLogon() (steam.Logon, bool, error) {
	c.mu.Lock()
	acct := c.acct
	c.mu.Unlock()

	logon := steam.Logon{
		Login:       acct.Login,
		MachineName: c.machineName,
	}

	if steam.TokenValid(acct.Token, c.clock.Now()) {
		logon.RefreshToken = acct.Token
		return logon, true, nil
	}

	if acct.Password == "" {
		return steam.Logon{}, false, errors.New("stored token expired and no password on file")
	}

	logon.Password = acct.Password
	if acct.SharedSecret != "" {
		code, err := steam.GuardCode(acct.SharedSecret, c.clock.Now())
		if err != nil {
			c.logger.Warn("guard code computation failed, falling back to interactive", "error", err)
		} else {
			logon.GuardCode = code
		}
	}
	return logon, false, nil
}

// handleGuard answers a guard challenge. When a shared secret is
// stored and the service has not yet rejected a code, a fresh computed
// code is submitted without bothering the owner. Otherwise the owner
// is prompted through the broker; rounds are unbounded, only the
// broker timeout or a stop ends them. Returns false when the attempt
// must be abandoned.
func (c *controller) handleGuard(ctx context.Context, conn steam.Conn, guard steam.GuardRequired) bool {
	c.mu.Lock()
	sharedSecret := c.acct.SharedSecret
	owner := c.acct.OwnerID
	login := c.acct.Login
	c.mu.Unlock()

	if sharedSecret != "" && !guard.LastCodeWrong {
		code, err := steam.GuardCode(sharedSecret, c.clock.Now())
		if err == nil {
			if err := conn.SubmitGuardCode(ctx, code); err != nil {
				c.logger.Error("submitting computed guard code", "error", err)
				return false
			}
			return true
		}
		c.logger.Warn("guard code computation failed", "error", err)
	}

	c.setState(AwaitingCode)

	prompt := fmt.Sprintf("🔐 %s needs a guard code", login)
	if guard.Domain != "" {
		prompt += fmt.Sprintf(" (sent to your %s)", guard.Domain)
	}
	if guard.LastCodeWrong {
		prompt = fmt.Sprintf("❌ That code was rejected. %s", prompt)
	}
	prompt += ". Reply with the code."

	answer, err := c.broker.Request(ctx, owner, login, challenge.OneTimeCode, prompt)
	if err != nil {
		c.challengeFailed(ctx, err, login)
		return false
	}

	if err := conn.SubmitGuardCode(ctx, answer); err != nil {
		c.logger.Error("submitting guard code", "error", err)
		return false
	}
	return true
}

// challengeFailed reports a broker error to the owner. Stop
// cancellation stays silent.
func (c *controller) challengeFailed(ctx context.Context, err error, login string) {
	switch {
	case errors.Is(err, challenge.ErrPending):
		c.notify(ctx, fmt.Sprintf("⚠️ %s: answer the pending challenge first, then start this account again.", login))
	case errors.Is(err, challenge.ErrTimeout):
		c.notify(ctx, fmt.Sprintf("⏰ %s: no code arrived in time. Start the account again when you have one.", login))
	case errors.Is(err, context.Canceled):
		// Stop requested.
	default:
		c.logger.Error("challenge failed", "error", err)
		c.notify(ctx, fmt.Sprintf("⚠️ %s: login abandoned: %v", login, err))
	}
}

// handleLoggedOn applies the stored presentation and announces the
// session, once per run.
func (c *controller) handleLoggedOn(ctx context.Context, conn steam.Conn) {
	c.mu.Lock()
	c.state = Connected
	c.conn = conn
	acct := c.acct
	announced := c.announce
	c.announce = true
	c.mu.Unlock()

	c.logger.Info("logged on")

	if err := conn.SetPersona(ctx, acct.Presence); err != nil {
		c.logger.Error("setting persona", "error", err)
	}
	if err := conn.SetActivity(ctx, acct.Activity); err != nil {
		c.logger.Error("setting activity", "error", err)
	}

	if !announced {
		c.notify(ctx, fmt.Sprintf("✅ %s is online and farming.", acct.Login),
			notify.Affordance{Label: "Stop farming", Action: "stop:" + acct.Login})
	}
}

// persistToken stores a freshly issued refresh token without
// interrupting the session.
func (c *controller) persistToken(ctx context.Context, token string) {
	c.mu.Lock()
	c.acct.Token = token
	owner := c.acct.OwnerID
	login := c.acct.Login
	c.mu.Unlock()

	if err := c.store.Patch(ctx, owner, login, account.Patch{Token: &token}); err != nil {
		c.logger.Error("persisting refresh token", "error", err)
		return
	}
	c.logger.Info("refresh token updated")
}

// handlePlayingState notifies the owner once when another session
// starts playing, and re-arms when it stops. The session itself stays
// connected either way.
func (c *controller) handlePlayingState(ctx context.Context, playing steam.PlayingState) {
	c.mu.Lock()
	already := c.blocked
	c.blocked = playing.Blocked
	login := c.acct.Login
	c.mu.Unlock()

	if playing.Blocked && !already {
		c.notify(ctx, fmt.Sprintf("⏸️ %s: another device is playing; farming is paused until it stops.", login))
	}
	if !playing.Blocked && already {
		c.logger.Info("playing block lifted")
	}
}

// handleFatal maps a terminal connection error to the next move.
// Returns true when the run loop should start another attempt.
func (c *controller) handleFatal(ctx context.Context, fatalErr error, usedToken bool) bool {
	if ctx.Err() != nil {
		return false
	}

	c.mu.Lock()
	owner := c.acct.OwnerID
	login := c.acct.Login
	hasPassword := c.acct.Password != ""
	c.mu.Unlock()

	kind := steam.KindOf(fatalErr)
	c.logger.Warn("session ended by service", "kind", kind.String(), "error", fatalErr)

	switch kind {
	case steam.KindInvalidCredentials:
		if usedToken {
			// Stale token: drop it and fall back to the password
			// path right away.
			empty := ""
			c.mu.Lock()
			c.acct.Token = ""
			c.mu.Unlock()
			if err := c.store.Patch(ctx, owner, login, account.Patch{Token: &empty}); err != nil {
				c.logger.Error("clearing stale token", "error", err)
			}
			if hasPassword {
				return true
			}
			c.notify(ctx, fmt.Sprintf("⚠️ %s: stored token expired and no password on file. Re-add the account.", login))
			return false
		}
		return c.retryPassword(ctx, owner, login)

	case steam.KindRateLimited:
		c.notify(ctx, fmt.Sprintf("🚦 %s: too many login attempts. Wait a while, then start the account again.", login))
		return false

	case steam.KindSupersededElsewhere:
		c.notify(ctx, fmt.Sprintf("👋 %s was logged in from somewhere else, so farming stopped.", login),
			notify.Affordance{Label: "Resume farming", Action: "resume:" + login})
		return false

	default:
		c.notify(ctx, fmt.Sprintf("⚠️ %s: session error: %v", login, fatalErr))
		return false
	}
}

// retryPassword asks the owner for a corrected password, persists it,
// and queues another attempt.
func (c *controller) retryPassword(ctx context.Context, owner int64, login string) bool {
	c.setState(AwaitingPassword)

	answer, err := c.broker.Request(ctx, owner, login, challenge.PasswordRetry,
		fmt.Sprintf("🔑 The password for %s was rejected. Reply with the correct password.", login))
	if err != nil {
		c.challengeFailed(ctx, err, login)
		return false
	}

	c.mu.Lock()
	c.acct.Password = answer
	c.mu.Unlock()

	if err := c.store.Patch(ctx, owner, login, account.Patch{Password: &answer}); err != nil {
		c.logger.Error("persisting corrected password", "error", err)
	}
	return true
}

// applyPresence pushes a presence change to the live connection, if
// any. The stored value is the Registry's responsibility.
func (c *controller) applyPresence(ctx context.Context, state account.PersonaState) error {
	c.mu.Lock()
	c.acct.Presence = state
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}
	return conn.SetPersona(ctx, state)
}

// applyActivity pushes an activity change to the live connection, if
// any.
func (c *controller) applyActivity(ctx context.Context, activity account.ActivityList) error {
	c.mu.Lock()
	c.acct.Activity = activity
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}
	return conn.SetActivity(ctx, activity)
}

func (c *controller) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *controller) login() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acct.Login
}

func (c *controller) owner() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acct.OwnerID
}

// notify sends to the owner. A cancelled context (stop in progress)
// means the message is dropped, keeping stops silent.
func (c *controller) notify(ctx context.Context, text string, affordances ...notify.Affordance) {
	if ctx.Err() != nil {
		return
	}
	if err := c.sink.Send(ctx, c.owner(), text, affordances...); err != nil {
		c.logger.Error("notification failed", "error", err)
	}
}
