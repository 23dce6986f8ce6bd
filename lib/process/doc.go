// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the shared entrypoint scaffolding for
// masterfarm binaries.
package process
