// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"fmt"
	"net"

	"github.com/masterfarm/masterfarm/lib/codec"
)

// Client talks to the daemon's control socket. One connection per
// request.
type Client struct {
	socketPath string
}

// NewClient creates a client for the control socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// do sends one request and decodes the response data into result
// (which may be nil when the caller only cares about success).
func (c *Client) do(request any, result any) error {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("control: dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("control: sending request: %w", err)
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("control: reading response: %w", err)
	}
	if !response.OK {
		return fmt.Errorf("control: %s", response.Error)
	}

	if result != nil {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("control: decoding response data: %w", err)
		}
	}
	return nil
}

type actionRequest struct {
	Action  string `cbor:"action"`
	OwnerID int64  `cbor:"owner_id,omitempty"`
	Login   string `cbor:"login,omitempty"`
}

// Status fetches the daemon status summary.
func (c *Client) Status() (StatusResult, error) {
	var result StatusResult
	if err := c.do(actionRequest{Action: "status"}, &result); err != nil {
		return StatusResult{}, err
	}
	return result, nil
}

// List fetches running sessions, filtered to one owner when ownerID is
// non-zero.
func (c *Client) List(ownerID int64) (ListResult, error) {
	var result ListResult
	if err := c.do(actionRequest{Action: "list", OwnerID: ownerID}, &result); err != nil {
		return ListResult{}, err
	}
	return result, nil
}

// Start launches a session for the account.
func (c *Client) Start(ownerID int64, login string) error {
	return c.do(actionRequest{Action: "start", OwnerID: ownerID, Login: login}, nil)
}

// Stop winds down the account's session. Fails if none is running.
func (c *Client) Stop(ownerID int64, login string) error {
	return c.do(actionRequest{Action: "stop", OwnerID: ownerID, Login: login}, nil)
}
