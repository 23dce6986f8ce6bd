// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package steam

import (
	"errors"
	"fmt"
)

// ErrorKind classifies terminal logon and session errors. The session
// layer branches on the kind to decide whether to re-prompt, back off,
// or give up.
type ErrorKind int

const (
	// KindUnknown covers errors the classifier could not map.
	KindUnknown ErrorKind = iota

	// KindInvalidCredentials: the password or token was rejected.
	KindInvalidCredentials

	// KindRateLimited: too many attempts; the service refuses further
	// logons for a while.
	KindRateLimited

	// KindSupersededElsewhere: another session for the same account
	// logged on and displaced this one.
	KindSupersededElsewhere
)

// String returns the kind name used in logs.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindRateLimited:
		return "rate_limited"
	case KindSupersededElsewhere:
		return "superseded_elsewhere"
	default:
		return "unknown"
	}
}

// Error is a classified error from the service. Code carries the raw
// service result number when one was received.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("steam: %s (result %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("steam: %s: %s", e.Kind, e.Message)
}

// KindOf extracts the error kind from err, unwrapping as needed.
// Returns KindUnknown for nil and unclassified errors.
func KindOf(err error) ErrorKind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnknown
}

// Service result codes that matter to the session layer. Values match
// the remote service's EResult enumeration.
const (
	resultInvalidPassword      = 5
	resultLoggedInElsewhere    = 6
	resultRateLimitExceeded    = 84
	resultAccountLoginDenied   = 63
	resultTwoFactorCodeInvalid = 88
	resultExpiredToken         = 64
)

// ClassifyResult maps a raw service result code to a classified Error.
func ClassifyResult(code int, message string) *Error {
	kind := KindUnknown
	switch code {
	case resultInvalidPassword, resultExpiredToken:
		kind = KindInvalidCredentials
	case resultRateLimitExceeded:
		kind = KindRateLimited
	case resultLoggedInElsewhere:
		kind = KindSupersededElsewhere
	}
	return &Error{Kind: kind, Code: code, Message: message}
}
