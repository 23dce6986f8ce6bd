// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"context"

	"github.com/masterfarm/masterfarm/lib/notify"
)

// Sink adapts the Bot API client to notify.Sink. Affordances render
// as one row of inline buttons under the message.
type Sink struct {
	client *Client
}

// NewSink wraps a client as a notification sink.
func NewSink(client *Client) *Sink {
	return &Sink{client: client}
}

var _ notify.Sink = (*Sink)(nil)

// Send implements notify.Sink.
func (s *Sink) Send(ctx context.Context, ownerID int64, text string, affordances ...notify.Affordance) error {
	var markup *InlineKeyboardMarkup
	if len(affordances) > 0 {
		row := make([]InlineKeyboardButton, len(affordances))
		for i, affordance := range affordances {
			row[i] = InlineKeyboardButton{
				Text:         affordance.Label,
				CallbackData: affordance.Action,
			}
		}
		markup = &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{row}}
	}

	_, err := s.client.SendMessage(ctx, ownerID, text, markup)
	return err
}
