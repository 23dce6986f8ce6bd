// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec centralizes CBOR encoding for the control socket and
// any other binary serialization in masterfarm.
//
// All encoding uses Core Deterministic Encoding (RFC 8949 §4.2): the
// same logical data always produces identical bytes, which keeps wire
// traffic diffable and cacheable.
package codec
