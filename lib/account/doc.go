// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package account defines the account record shared by the store, the
// session layer, and the bot: credentials, desired presence, and the
// activity list a connected session advertises.
package account
