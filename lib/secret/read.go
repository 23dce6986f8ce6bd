// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"fmt"
	"os"
	"strings"
)

// ReadFile loads a secret from a file into a protected Buffer. A single
// trailing newline is stripped, matching how editors and `echo` write
// token files. The intermediate heap copy is zeroed before returning.
func ReadFile(path string) (*Buffer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret: read %s: %w", path, err)
	}

	trimmed := raw
	if length := len(trimmed); length > 0 && trimmed[length-1] == '\n' {
		trimmed = trimmed[:length-1]
	}
	if len(trimmed) == 0 {
		zero(raw)
		return nil, fmt.Errorf("secret: %s is empty", path)
	}

	buffer, err := NewFromBytes(trimmed)
	// NewFromBytes zeroed trimmed; zero the newline tail too.
	zero(raw)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

// FromEnv loads a secret from an environment variable into a protected
// Buffer. The environment copy itself cannot be zeroed (os.Getenv
// returns an immutable string), so prefer ReadFile for anything that
// outlives process startup.
func FromEnv(name string) (*Buffer, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil, fmt.Errorf("secret: environment variable %s is empty or unset", name)
	}
	return NewFromBytes([]byte(value))
}

func zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
}
