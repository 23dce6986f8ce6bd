// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ActivityItem is one entry in an account's activity list: either an
// application by numeric ID, or a free-form title shown as a custom
// status. Exactly one of the two is set.
type ActivityItem struct {
	AppID uint32
	Title string
}

// MarshalJSON encodes an app entry as a JSON number and a title entry
// as a JSON string, the format the store and older exports use.
func (i ActivityItem) MarshalJSON() ([]byte, error) {
	if i.AppID != 0 {
		return json.Marshal(i.AppID)
	}
	return json.Marshal(i.Title)
}

// UnmarshalJSON accepts either form. Strings that are entirely digits
// are coerced to app IDs, so "730" and 730 are the same entry.
func (i *ActivityItem) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case float64:
		if v < 0 || v != float64(uint32(v)) {
			return fmt.Errorf("account: invalid app id %v", v)
		}
		*i = ActivityItem{AppID: uint32(v)}
		return nil
	case string:
		*i = parseActivityToken(v)
		return nil
	default:
		return fmt.Errorf("account: activity entry must be a number or string, got %T", raw)
	}
}

// String renders the entry the way the bot displays it.
func (i ActivityItem) String() string {
	if i.AppID != 0 {
		return strconv.FormatUint(uint64(i.AppID), 10)
	}
	return i.Title
}

// ActivityList is the ordered list of titles a connected session
// reports as in progress.
type ActivityList []ActivityItem

// AppIDs returns the numeric entries in order, skipping titles.
func (l ActivityList) AppIDs() []uint32 {
	var ids []uint32
	for _, item := range l {
		if item.AppID != 0 {
			ids = append(ids, item.AppID)
		}
	}
	return ids
}

// Titles returns the free-form entries in order, skipping app IDs.
func (l ActivityList) Titles() []string {
	var titles []string
	for _, item := range l {
		if item.AppID == 0 && item.Title != "" {
			titles = append(titles, item.Title)
		}
	}
	return titles
}

// String renders the list as the comma-separated form accepted by
// ParseActivityList.
func (l ActivityList) String() string {
	parts := make([]string, len(l))
	for i, item := range l {
		parts[i] = item.String()
	}
	return strings.Join(parts, ", ")
}

// ParseActivityList parses operator input: comma-separated entries
// where all-digit entries become app IDs and anything else a title.
// Empty entries are skipped; an empty input yields an empty list.
func ParseActivityList(input string) ActivityList {
	var list ActivityList
	for _, part := range strings.Split(input, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		list = append(list, parseActivityToken(trimmed))
	}
	return list
}

func parseActivityToken(token string) ActivityItem {
	if id, err := strconv.ParseUint(token, 10, 32); err == nil && id > 0 {
		return ActivityItem{AppID: uint32(id)}
	}
	return ActivityItem{Title: token}
}
