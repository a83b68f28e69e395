package provider

import (
	"strings"
	"testing"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantFormat  SessionFormat
		wantVersion int
	}{
		{
			name:        "legacy with version field",
			content:     `{"version": 2, "sessionId": "abc", "requests": []}`,
			wantFormat:  FormatLegacyJSON,
			wantVersion: 2,
		},
		{
			name:        "legacy without version",
			content:     `{"sessionId": "abc", "requests": []}`,
			wantFormat:  FormatLegacyJSON,
			wantVersion: maxSchemaVersion,
		},
		{
			name:        "event log first line kind",
			content:     `{"kind":0,"v":{"version":3,"sessionId":"abc"}}` + "\n" + `{"kind":2,"v":[]}`,
			wantFormat:  FormatEventLog,
			wantVersion: 3,
		},
		{
			name: "event log counted by kind lines",
			content: `{"somePrefix": true, "kind": 0}` + "\n" +
				`{"kind": 1, "k": ["customTitle"], "v": "x"}` + "\n" +
				`{"kind": 1, "k": ["lastMessageDate"], "v": 5}`,
			wantFormat:  FormatEventLog,
			wantVersion: maxSchemaVersion,
		},
		{
			name:        "truncated legacy falls back to markers",
			content:     `{"sessionId": "abc", "requests": [{"requestId": "r1"`,
			wantFormat:  FormatLegacyJSON,
			wantVersion: maxSchemaVersion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := DetectFormat([]byte(tt.content))
			if info.Format != tt.wantFormat {
				t.Errorf("Format = %v, want %v", info.Format, tt.wantFormat)
			}
			if info.SchemaVersion != tt.wantVersion {
				t.Errorf("SchemaVersion = %d, want %d", info.SchemaVersion, tt.wantVersion)
			}
		})
	}
}

func TestSessionFormatString(t *testing.T) {
	if FormatLegacyJSON.String() != "json" {
		t.Errorf("FormatLegacyJSON.String() = %s", FormatLegacyJSON.String())
	}
	if FormatEventLog.String() != "jsonl" {
		t.Errorf("FormatEventLog.String() = %s", FormatEventLog.String())
	}
}

func TestSanitizeUnicode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean content untouched", `{"text": "hello"}`, `{"text": "hello"}`},
		{"valid escape untouched", `{"text": "café"}`, `{"text": "café"}`},
		{"valid surrogate pair untouched", `{"text": "😀"}`, `{"text": "😀"}`},
		{"lone low surrogate replaced", `{"text": "bad\udde0end"}`, `{"text": "bad` + "�" + `end"}`},
		{"lone high surrogate replaced", `{"text": "bad\ud83dend"}`, `{"text": "bad` + "�" + `end"}`},
		{"reversed pair replaced", `{"text": "\ude00\ud83d"}`, `{"text": "` + "��" + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeUnicode(tt.in)
			if got != tt.want {
				t.Errorf("sanitizeUnicode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeUnicodeYieldsParseableJSON(t *testing.T) {
	broken := `{"text": "prefix \udde0 suffix"}`
	fixed := sanitizeUnicode(broken)
	if strings.Contains(fixed, `\udde0`) {
		t.Error("lone surrogate should be gone after sanitation")
	}
}
