// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		account Account
		wantErr string
	}{
		{
			name:    "password only",
			account: Account{OwnerID: 1, Login: "alice", Password: "hunter2"},
		},
		{
			name:    "token only",
			account: Account{OwnerID: 1, Login: "alice", Token: "eyJ.token"},
		},
		{
			name:    "missing login",
			account: Account{OwnerID: 1, Password: "hunter2"},
			wantErr: "login is required",
		},
		{
			name:    "whitespace login",
			account: Account{OwnerID: 1, Login: "   ", Password: "hunter2"},
			wantErr: "login is required",
		},
		{
			name:    "no credentials",
			account: Account{OwnerID: 1, Login: "alice"},
			wantErr: "password or token",
		},
		{
			name:    "bad persona",
			account: Account{OwnerID: 1, Login: "alice", Password: "x", Presence: 42},
			wantErr: "persona state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.account.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPatchIsZero(t *testing.T) {
	if !(Patch{}).IsZero() {
		t.Error("empty patch reported non-zero")
	}
	token := "new-token"
	if (Patch{Token: &token}).IsZero() {
		t.Error("token patch reported zero")
	}
	empty := ""
	if (Patch{Token: &empty}).IsZero() {
		t.Error("explicit clear reported zero")
	}
}

func TestActivityJSONMixedForms(t *testing.T) {
	var list ActivityList
	if err := json.Unmarshal([]byte(`[730, "570", "Just idling", 440]`), &list); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	want := ActivityList{
		{AppID: 730},
		{AppID: 570}, // numeric string coerced
		{Title: "Just idling"},
		{AppID: 440},
	}
	if len(list) != len(want) {
		t.Fatalf("got %d entries, want %d", len(list), len(want))
	}
	for i := range want {
		if list[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, list[i], want[i])
		}
	}

	// Round-trip: app IDs stay numbers, titles stay strings.
	data, err := json.Marshal(list)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got := string(data); got != `[730,570,"Just idling",440]` {
		t.Errorf("Marshal = %s", got)
	}
}

func TestActivityJSONRejectsBadEntries(t *testing.T) {
	var list ActivityList
	if err := json.Unmarshal([]byte(`[true]`), &list); err == nil {
		t.Error("boolean entry accepted, want error")
	}
	if err := json.Unmarshal([]byte(`[-5]`), &list); err == nil {
		t.Error("negative entry accepted, want error")
	}
}

func TestParseActivityList(t *testing.T) {
	list := ParseActivityList(" 730, Just chatting ,570,, ")
	want := ActivityList{
		{AppID: 730},
		{Title: "Just chatting"},
		{AppID: 570},
	}
	if len(list) != len(want) {
		t.Fatalf("got %d entries, want %d: %v", len(list), len(want), list)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, list[i], want[i])
		}
	}

	if got := ParseActivityList("   "); len(got) != 0 {
		t.Errorf("blank input produced %v", got)
	}
}

func TestActivityListAccessors(t *testing.T) {
	list := ActivityList{{AppID: 730}, {Title: "idle"}, {AppID: 570}}
	ids := list.AppIDs()
	if len(ids) != 2 || ids[0] != 730 || ids[1] != 570 {
		t.Errorf("AppIDs = %v", ids)
	}
	titles := list.Titles()
	if len(titles) != 1 || titles[0] != "idle" {
		t.Errorf("Titles = %v", titles)
	}
	if got := list.String(); got != "730, idle, 570" {
		t.Errorf("String = %q", got)
	}
}

func TestPersonaStateString(t *testing.T) {
	if got := Online.String(); got != "Online" {
		t.Errorf("Online.String() = %q", got)
	}
	if got := PersonaState(42).String(); got != "PersonaState(42)" {
		t.Errorf("unknown state String() = %q", got)
	}
	if Invisible.Valid() != true || PersonaState(8).Valid() != false {
		t.Error("Valid() boundaries wrong")
	}
}
