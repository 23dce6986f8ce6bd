// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PersonaState is the presence a connected session advertises. Values
// match the remote service's persona state enumeration.
type PersonaState int

const (
	Offline        PersonaState = 0
	Online         PersonaState = 1
	Busy           PersonaState = 2
	Away           PersonaState = 3
	Snooze         PersonaState = 4
	LookingToTrade PersonaState = 5
	LookingToPlay  PersonaState = 6
	Invisible      PersonaState = 7
)

// String returns the human-readable name shown in bot menus.
func (s PersonaState) String() string {
	switch s {
	case Offline:
		return "Offline"
	case Online:
		return "Online"
	case Busy:
		return "Busy"
	case Away:
		return "Away"
	case Snooze:
		return "Snooze"
	case LookingToTrade:
		return "Looking to Trade"
	case LookingToPlay:
		return "Looking to Play"
	case Invisible:
		return "Invisible"
	default:
		return fmt.Sprintf("PersonaState(%d)", int(s))
	}
}

// Valid reports whether s is a defined persona state.
func (s PersonaState) Valid() bool {
	return s >= Offline && s <= Invisible
}

// Account is one stored account: who owns it, how to log it in, and
// what a connected session should look like.
type Account struct {
	// OwnerID identifies the chat that owns this account. All
	// notifications and challenges for the account go to this chat.
	OwnerID int64

	// Login is the account name used at logon. Unique per owner.
	Login string

	// Password is the account password. May be empty when a valid
	// refresh token is stored.
	Password string

	// Token is the refresh token from the most recent successful
	// logon. Empty until the remote service has issued one.
	Token string

	// SharedSecret is the base64 TOTP secret for computing guard
	// codes without operator interaction. Optional.
	SharedSecret string

	// Presence is the persona state a connected session advertises.
	Presence PersonaState

	// Activity is the list of titles a connected session reports as
	// in progress.
	Activity ActivityList
}

// Validate checks the account for storability: a login is required,
// and at least one credential (password or token) must be present.
func (a *Account) Validate() error {
	var errs []error

	if strings.TrimSpace(a.Login) == "" {
		errs = append(errs, fmt.Errorf("login is required"))
	}
	if a.Password == "" && a.Token == "" {
		errs = append(errs, fmt.Errorf("a password or token is required"))
	}
	if !a.Presence.Valid() {
		errs = append(errs, fmt.Errorf("invalid persona state %d", int(a.Presence)))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Patch is a partial update to a stored account. Nil fields are left
// untouched; non-nil fields are written, including explicit clears
// (e.g. a pointer to the empty string clears the token).
type Patch struct {
	Password     *string
	Token        *string
	SharedSecret *string
	Presence     *PersonaState
	Activity     *ActivityList
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.Password == nil && p.Token == nil && p.SharedSecret == nil &&
		p.Presence == nil && p.Activity == nil
}

// ErrNotFound is returned by store lookups when no account matches.
var ErrNotFound = errors.New("account: not found")

// ErrExists is returned when inserting an account that already exists
// for the owner.
var ErrExists = errors.New("account: already exists")

// Store is the persistence interface for accounts. The production
// implementation lives in lib/accountstore; tests use in-memory fakes.
type Store interface {
	// Get returns the owner's account with the given login, or
	// ErrNotFound.
	Get(ctx context.Context, ownerID int64, login string) (Account, error)

	// Owner returns all accounts belonging to a single owner, sorted
	// by login.
	Owner(ctx context.Context, ownerID int64) ([]Account, error)

	// All returns every stored account. Used by the daemon at startup
	// to resume sessions.
	All(ctx context.Context) ([]Account, error)

	// Insert stores a new account. Returns ErrExists if the owner
	// already has an account with the same login.
	Insert(ctx context.Context, a Account) error

	// Upsert stores the account, replacing any existing record for the
	// same (owner, login).
	Upsert(ctx context.Context, a Account) error

	// Exists reports whether the owner has an account with the given
	// login.
	Exists(ctx context.Context, ownerID int64, login string) (bool, error)

	// Patch applies a partial update to an existing account. Returns
	// ErrNotFound if the account does not exist.
	Patch(ctx context.Context, ownerID int64, login string, p Patch) error

	// Remove deletes an account. Returns ErrNotFound if the account
	// does not exist.
	Remove(ctx context.Context, ownerID int64, login string) error
}
