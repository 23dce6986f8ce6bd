// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package steam

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TokenExpiry extracts the expiry instant from a refresh token. The
// token is a JWT; the expiry is the "exp" claim of the payload
// segment. The signature is NOT verified — the token is only inspected
// to decide whether it is worth presenting to the service at all.
func TokenExpiry(token string) (time.Time, error) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return time.Time{}, fmt.Errorf("steam: token has %d segments, want 3", len(segments))
	}

	payload, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("steam: decoding token payload: %w", err)
	}

	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return time.Time{}, fmt.Errorf("steam: parsing token claims: %w", err)
	}
	if claims.Exp == 0 {
		return time.Time{}, fmt.Errorf("steam: token has no expiry claim")
	}

	return time.Unix(claims.Exp, 0), nil
}

// TokenValid reports whether the token exists and has not expired as
// of now. Malformed tokens are treated as expired.
func TokenValid(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	expiry, err := TokenExpiry(token)
	if err != nil {
		return false
	}
	return now.Before(expiry)
}
