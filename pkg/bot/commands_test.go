// Copyright 2024-2026 Aiku AI

package bot

import "testing"

// TestParseCommand covers the word-to-kind mapping, slash prefixes, case
// folding and argument extraction.
func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in       string
		wantKind commandKind
		wantArgs string
	}{
		{"help", cmdHelp, ""},
		{"/help", cmdHelp, ""},
		{"start", cmdHelp, ""},
		{"HELP", cmdHelp, ""},
		{"login abc123", cmdLogin, "abc123"},
		{"  login   abc123  ", cmdLogin, "abc123"},
		{"keywords moscow, job offer", cmdKeywords, "moscow, job offer"},
		{"keywords", cmdKeywords, ""},
		{"exceptions moscow region", cmdExceptions, "moscow region"},
		{"status", cmdStatus, ""},
		{"stop", cmdStop, ""},
		{"restart", cmdRestart, ""},
		{"grant @alice", cmdGrant, "@alice"},
		{"revoke u123", cmdRevoke, "u123"},
		{"users", cmdUsers, ""},
		{"stats", cmdStats, ""},
		{"restart-all", cmdRestartAll, ""},
		{"debug", cmdDebug, ""},
		{"", cmdUnknown, ""},
		{"   ", cmdUnknown, ""},
		{"frobnicate", cmdUnknown, ""},
		{"loginabc", cmdUnknown, ""},
	}

	for _, tc := range cases {
		got := parseCommand(tc.in)
		if got.kind != tc.wantKind {
			t.Errorf("parseCommand(%q): kind = %v, want %v", tc.in, got.kind, tc.wantKind)
		}
		if got.args != tc.wantArgs {
			t.Errorf("parseCommand(%q): args = %q, want %q", tc.in, got.args, tc.wantArgs)
		}
	}
}

// TestIsAdminOnly verifies the admin command partition.
func TestIsAdminOnly(t *testing.T) {
	t.Parallel()

	adminOnly := []commandKind{cmdGrant, cmdRevoke, cmdUsers, cmdStats, cmdRestartAll}
	for _, k := range adminOnly {
		if !k.isAdminOnly() {
			t.Errorf("kind %v should be admin-only", k)
		}
	}
	general := []commandKind{cmdUnknown, cmdHelp, cmdLogin, cmdKeywords, cmdExceptions, cmdStatus, cmdStop, cmdRestart, cmdDebug}
	for _, k := range general {
		if k.isAdminOnly() {
			t.Errorf("kind %v should not be admin-only", k)
		}
	}
}
