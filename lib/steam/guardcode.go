// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package steam

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

// codeAlphabet is the character set for guard codes. The service uses
// this reduced set to avoid ambiguous characters.
const codeAlphabet = "23456789BCDFGHJKMNPQRTVWXY"

// codeLength is the number of characters in a guard code.
const codeLength = 5

// codePeriod is the validity window of a single code.
const codePeriod = 30 * time.Second

// GuardCode computes the time-based guard code for a base64-encoded
// shared secret at the given instant. The code is valid for the
// 30-second window containing now.
func GuardCode(sharedSecret string, now time.Time) (string, error) {
	key, err := base64.StdEncoding.DecodeString(sharedSecret)
	if err != nil {
		return "", fmt.Errorf("steam: decoding shared secret: %w", err)
	}
	if len(key) == 0 {
		return "", fmt.Errorf("steam: shared secret is empty")
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(now.Unix())/uint64(codePeriod/time.Second))

	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	digest := mac.Sum(nil)

	// Dynamic truncation (RFC 4226 §5.3), then map into the reduced
	// alphabet instead of decimal digits.
	offset := digest[len(digest)-1] & 0x0f
	value := binary.BigEndian.Uint32(digest[offset:offset+4]) & 0x7fffffff

	code := make([]byte, codeLength)
	for i := range code {
		code[i] = codeAlphabet[value%uint32(len(codeAlphabet))]
		value /= uint32(len(codeAlphabet))
	}
	return string(code), nil
}
