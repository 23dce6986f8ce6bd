// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by the package tests:
// channel receive/send with a timeout safety valve, so a broken
// notification or event path fails the test instead of hanging it.
package testutil
