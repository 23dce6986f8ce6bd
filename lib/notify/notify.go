// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify defines the outbound notification interface. The
// session and challenge layers talk to owners exclusively through a
// Sink; the Telegram adapter in lib/telegram is the production
// implementation.
package notify

import "context"

// Affordance is an action button attached to a notification. Action is
// an opaque callback token routed back to the bot when the owner taps
// the button.
type Affordance struct {
	Label  string
	Action string
}

// Sink delivers a message to an owner. Implementations must be safe
// for concurrent use.
type Sink interface {
	// Send delivers text to the owner's chat, optionally with action
	// buttons. Send returns once the message is accepted for
	// delivery.
	Send(ctx context.Context, ownerID int64, text string, affordances ...Affordance) error
}

// Func adapts a function to the Sink interface. Used by tests.
type Func func(ctx context.Context, ownerID int64, text string, affordances ...Affordance) error

// Send implements Sink.
func (f Func) Send(ctx context.Context, ownerID int64, text string, affordances ...Affordance) error {
	return f(ctx, ownerID, text, affordances...)
}

// Discard is a Sink that drops every message.
var Discard Sink = Func(func(context.Context, int64, string, ...Affordance) error {
	return nil
})
