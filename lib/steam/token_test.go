// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package steam

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"
)

// makeToken builds a minimal unsigned JWT with the given expiry.
func makeToken(exp int64) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"iss":"test","exp":%d}`, exp)))
	return header + "." + payload + ".signature"
}

func TestTokenExpiry(t *testing.T) {
	exp := int64(1900000000)
	got, err := TokenExpiry(makeToken(exp))
	if err != nil {
		t.Fatalf("TokenExpiry: %v", err)
	}
	if !got.Equal(time.Unix(exp, 0)) {
		t.Errorf("TokenExpiry = %v, want %v", got, time.Unix(exp, 0))
	}
}

func TestTokenExpiryMalformed(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"two segments", "abc.def"},
		{"bad base64", "a.!!!.c"},
		{"payload not json", "a." + base64.RawURLEncoding.EncodeToString([]byte("nope")) + ".c"},
		{"no exp claim", "a." + base64.RawURLEncoding.EncodeToString([]byte(`{"iss":"x"}`)) + ".c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := TokenExpiry(tt.token); err == nil {
				t.Errorf("TokenExpiry(%q) succeeded, want error", tt.token)
			}
		})
	}
}

func TestTokenValid(t *testing.T) {
	now := time.Unix(1800000000, 0)

	if !TokenValid(makeToken(now.Unix()+3600), now) {
		t.Error("unexpired token reported invalid")
	}
	if TokenValid(makeToken(now.Unix()-1), now) {
		t.Error("expired token reported valid")
	}
	if TokenValid("", now) {
		t.Error("empty token reported valid")
	}
	if TokenValid("garbage", now) {
		t.Error("malformed token reported valid")
	}
}
