package main

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantDP      int
		wantAction  string
		wantVersion string
		wantErr     bool
	}{
		{
			"minimal on",
			[]string{"192.168.1.40", "abc123", "0123456789abcdef", "on"},
			20, "on", "3.3", false,
		},
		{
			"minimal get",
			[]string{"192.168.1.40", "abc123", "0123456789abcdef", "get"},
			20, "get", "3.3", false,
		},
		{
			"switch type",
			[]string{"192.168.1.40", "abc123", "0123456789abcdef", "switch", "off"},
			1, "off", "3.3", false,
		},
		{
			"light type",
			[]string{"192.168.1.40", "abc123", "0123456789abcdef", "light", "on"},
			20, "on", "3.3", false,
		},
		{
			"version without type",
			[]string{"192.168.1.40", "abc123", "0123456789abcdef", "on", "3.1"},
			20, "on", "3.1", false,
		},
		{
			"full form",
			[]string{"192.168.1.40", "abc123", "0123456789abcdef", "switch", "on", "3.1"},
			1, "on", "3.1", false,
		},
		{
			"too few arguments",
			[]string{"192.168.1.40", "abc123", "0123456789abcdef"},
			0, "", "", true,
		},
		{
			"unknown action",
			[]string{"192.168.1.40", "abc123", "0123456789abcdef", "toggle"},
			0, "", "", true,
		},
		{
			"type without action",
			[]string{"192.168.1.40", "abc123", "0123456789abcdef", "bulb"},
			0, "", "", true,
		},
		{
			"trailing junk",
			[]string{"192.168.1.40", "abc123", "0123456789abcdef", "on", "3.3", "extra"},
			0, "", "", true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := parseCommand(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseCommand(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if cmd.dp != tt.wantDP {
				t.Errorf("dp = %d, want %d", cmd.dp, tt.wantDP)
			}
			if cmd.action != tt.wantAction {
				t.Errorf("action = %q, want %q", cmd.action, tt.wantAction)
			}
			if cmd.version != tt.wantVersion {
				t.Errorf("version = %q, want %q", cmd.version, tt.wantVersion)
			}
			if cmd.host != tt.args[0] || cmd.id != tt.args[1] || cmd.key != tt.args[2] {
				t.Errorf("credentials mangled: %+v", cmd)
			}
		})
	}
}

func TestDpForType(t *testing.T) {
	tests := []struct {
		word string
		dp   int
		ok   bool
	}{
		{"bulb", 20, true},
		{"light", 20, true},
		{"switch", 1, true},
		{"on", 0, false},
		{"dimmer", 0, false},
	}
	for _, tt := range tests {
		dp, ok := dpForType(tt.word)
		if dp != tt.dp || ok != tt.ok {
			t.Errorf("dpForType(%q) = (%d, %v), want (%d, %v)", tt.word, dp, ok, tt.dp, tt.ok)
		}
	}
}
