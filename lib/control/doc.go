// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package control exposes a local admin surface for the daemon on a
// Unix socket. Each connection carries one CBOR request and one CBOR
// response; masterfarm-ctl is the intended client.
package control
