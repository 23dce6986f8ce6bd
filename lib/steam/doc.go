// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package steam defines the boundary to the remote game service: the
// connector and connection interfaces the session layer drives, the
// event stream a connection emits, the logon error taxonomy, and the
// credential helpers (guard code computation, refresh token expiry).
//
// The package deliberately contains no network code. Production wiring
// supplies a connector for the real service; tests and the daemon's
// simulator mode use lib/steam/steamsim.
package steam
