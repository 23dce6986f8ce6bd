// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package steam

import (
	"context"

	"github.com/masterfarm/masterfarm/lib/account"
)

// Logon holds the credentials and presentation for a logon attempt.
// Exactly one of RefreshToken or Password drives authentication;
// GuardCode accompanies a password when a code is already known
// (computed from a shared secret) or was collected interactively.
type Logon struct {
	Login        string
	Password     string
	RefreshToken string
	GuardCode    string

	// MachineName is reported to the service at logon.
	MachineName string
}

// Connector establishes connections to the service. Implementations:
// the production dialer and steamsim.Simulator.
type Connector interface {
	// Dial establishes a connection. The connection is not logged on
	// yet; the caller follows up with Conn.Logon.
	Dial(ctx context.Context) (Conn, error)
}

// Conn is a single connection to the service. All methods are safe for
// use from the session goroutine that owns the connection; Conn is not
// otherwise safe for concurrent use.
type Conn interface {
	// Logon starts the logon handshake. The outcome arrives on
	// Events: LoggedOn on success, GuardRequired when a code is
	// needed, or Fatal when the attempt is rejected.
	Logon(ctx context.Context, logon Logon) error

	// SubmitGuardCode answers a GuardRequired event.
	SubmitGuardCode(ctx context.Context, code string) error

	// SetPersona sets the advertised presence. Valid once logged on.
	SetPersona(ctx context.Context, state account.PersonaState) error

	// SetActivity sets the advertised in-progress titles. Valid once
	// logged on. An empty list clears the activity.
	SetActivity(ctx context.Context, activity account.ActivityList) error

	// Events returns the connection's event stream. The channel is
	// closed when the connection is torn down.
	Events() <-chan Event

	// Close tears down the connection. Idempotent.
	Close() error
}

// Event is a message from the connection to the session layer.
type Event interface {
	isEvent()
}

// LoggedOn reports a successful logon.
type LoggedOn struct{}

// GuardRequired reports that the service wants a guard code before the
// logon completes. Domain says where the code was delivered ("email"
// or "device"); empty when unknown.
type GuardRequired struct {
	Domain string

	// LastCodeWrong is set when a previously submitted code was
	// rejected and the service is asking again.
	LastCodeWrong bool
}

// TokenIssued carries a new refresh token. The service issues one on
// successful password logon and rotates it periodically afterwards.
type TokenIssued struct {
	RefreshToken string
}

// PlayingState reports whether another session somewhere else is
// currently playing, which blocks this session's activity.
type PlayingState struct {
	Blocked bool
	AppID   uint32
}

// Fatal reports a terminal connection error. After Fatal the event
// channel closes and the connection is unusable.
type Fatal struct {
	Err error
}

func (LoggedOn) isEvent()      {}
func (GuardRequired) isEvent() {}
func (TokenIssued) isEvent()   {}
func (PlayingState) isEvent()  {}
func (Fatal) isEvent()         {}
