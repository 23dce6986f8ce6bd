// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/masterfarm/masterfarm/lib/account"
	"github.com/masterfarm/masterfarm/lib/codec"
	"github.com/masterfarm/masterfarm/lib/session"
	"github.com/masterfarm/masterfarm/lib/version"
)

// StatusResult is the "status" action response.
type StatusResult struct {
	Version   string `cbor:"version" json:"version"`
	GitCommit string `cbor:"git_commit" json:"git_commit"`
	StartedAt string `cbor:"started_at" json:"started_at"`
	Accounts  int    `cbor:"accounts" json:"accounts"`
	Sessions  int    `cbor:"sessions" json:"sessions"`
}

// ListResult is the "list" action response.
type ListResult struct {
	Sessions []session.Status `cbor:"sessions" json:"sessions"`
}

// accountRequest carries the fields shared by the start and stop
// actions.
type accountRequest struct {
	OwnerID int64  `cbor:"owner_id"`
	Login   string `cbor:"login"`
}

// listRequest filters the "list" action to one owner when OwnerID is
// non-zero.
type listRequest struct {
	OwnerID int64 `cbor:"owner_id"`
}

// NewServer builds a control socket server with the daemon's admin
// actions registered: status, list, start, stop.
func NewServer(socketPath string, store account.Store, registry *session.Registry, logger *slog.Logger) *SocketServer {
	server := NewSocketServer(socketPath, logger)
	startedAt := time.Now().UTC().Format(time.RFC3339)

	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		accounts, err := store.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading accounts: %w", err)
		}
		return StatusResult{
			Version:   version.Version,
			GitCommit: version.GitCommit,
			StartedAt: startedAt,
			Accounts:  len(accounts),
			Sessions:  len(registry.List(0)),
		}, nil
	})

	server.Handle("list", func(ctx context.Context, raw []byte) (any, error) {
		var request listRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("decoding list request: %w", err)
		}
		return ListResult{Sessions: registry.List(request.OwnerID)}, nil
	})

	server.Handle("start", func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodeAccountRequest(raw)
		if err != nil {
			return nil, err
		}
		if err := registry.Start(ctx, request.OwnerID, request.Login); err != nil {
			return nil, err
		}
		return nil, nil
	})

	server.Handle("stop", func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodeAccountRequest(raw)
		if err != nil {
			return nil, err
		}
		if _, running := registry.Running(request.OwnerID, request.Login); !running {
			return nil, fmt.Errorf("no session for owner %d login %q", request.OwnerID, request.Login)
		}
		registry.Stop(request.OwnerID, request.Login)
		return nil, nil
	})

	return server
}

func decodeAccountRequest(raw []byte) (accountRequest, error) {
	var request accountRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return accountRequest{}, fmt.Errorf("decoding request: %w", err)
	}
	if request.OwnerID == 0 {
		return accountRequest{}, fmt.Errorf("missing required field: owner_id")
	}
	if request.Login == "" {
		return accountRequest{}, fmt.Errorf("missing required field: login")
	}
	return request, nil
}
