// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package session drives the login lifecycle of stored accounts. A
// Controller owns one connection attempt cycle for one account:
// credential selection, the guard challenge loop, and the connected
// steady state. The Registry tracks running controllers and enforces
// at most one live session per account.
package session
