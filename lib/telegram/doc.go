// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package telegram is the owner-facing surface of masterfarm: a
// minimal Bot API client (sendMessage, getUpdates long-polling,
// answerCallbackQuery), a notify.Sink adapter that renders affordances
// as inline keyboards, and the Bot command router that maps messages
// and button taps onto the account store, the session registry, and
// the challenge broker.
package telegram
