package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/iksnae/chat-harvest/internal"
)

func sampleSession() *internal.Session {
	return &internal.Session{
		ID:        "s1",
		Title:     "Fix the build",
		Provider:  "vscode",
		Workspace: "ws-hash",
		CreatedAt: 1700000000000,
		UpdatedAt: 1700000060000,
		Messages: []internal.Message{
			{Role: "user", Content: "why does it fail?", Timestamp: 1700000000000, Sequence: 0},
			{
				Role:      "assistant",
				Content:   "missing import",
				Timestamp: 1700000060000,
				Sequence:  1,
				ToolCalls: []internal.ToolCall{{Name: "read_file", Input: `{"path":"main.go"}`}},
			},
		},
		Metadata: internal.Metadata{Model: "gpt-4", TotalTokens: 42},
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		format  string
		wantExt string
		wantErr bool
	}{
		{format: "json", wantExt: "json"},
		{format: "jsonl", wantExt: "jsonl"},
		{format: "md", wantExt: "md"},
		{format: "markdown", wantExt: "md"},
		{format: "yaml", wantExt: "yaml"},
		{format: "xml", wantErr: true},
		{format: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			exp, err := NewExporter(tt.format)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewExporter(%q) error = nil, want error", tt.format)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewExporter(%q) error = %v", tt.format, err)
			}
			if got := exp.Extension(); got != tt.wantExt {
				t.Errorf("Extension() = %q, want %q", got, tt.wantExt)
			}
		})
	}
}

func TestJSONExport(t *testing.T) {
	var buf bytes.Buffer
	if err := (&JSONExporter{}).Export(sampleSession(), &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	var doc document
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if doc.ID != "s1" {
		t.Errorf("id = %q, want %q", doc.ID, "s1")
	}
	if doc.Provider != "vscode" {
		t.Errorf("provider = %q, want %q", doc.Provider, "vscode")
	}
	if len(doc.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(doc.Messages))
	}
	if doc.Messages[1].ToolCalls[0].Name != "read_file" {
		t.Errorf("tool call name = %q, want %q", doc.Messages[1].ToolCalls[0].Name, "read_file")
	}
	if doc.Metadata.Model != "gpt-4" {
		t.Errorf("metadata model = %q, want %q", doc.Metadata.Model, "gpt-4")
	}
	if !strings.HasPrefix(buf.String(), "{\n  ") {
		t.Error("JSON output is not indented")
	}
}

func TestJSONLExport(t *testing.T) {
	var buf bytes.Buffer
	if err := (&JSONLExporter{}).Export(sampleSession(), &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want one line per message", len(lines))
	}
	for i, line := range lines {
		var msg documentMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
	}
	var first documentMessage
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Role != "user" || first.Content != "why does it fail?" {
		t.Errorf("first line = %+v, want user question", first)
	}
}

func TestMarkdownExport(t *testing.T) {
	var buf bytes.Buffer
	if err := (&MarkdownExporter{}).Export(sampleSession(), &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"# Fix the build",
		"**Provider:** vscode",
		"**Model:** gpt-4",
		"**user:**",
		"**assistant:**",
		"missing import",
		"> tool: read_file",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestMarkdownExportUntitled(t *testing.T) {
	session := sampleSession()
	session.Title = ""

	var buf bytes.Buffer
	if err := (&MarkdownExporter{}).Export(session, &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.Contains(buf.String(), "# Session s1") {
		t.Error("untitled session did not fall back to the session ID heading")
	}
}

func TestYAMLExport(t *testing.T) {
	var buf bytes.Buffer
	if err := (&YAMLExporter{}).Export(sampleSession(), &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	var doc document
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	if doc.ID != "s1" || doc.Title != "Fix the build" {
		t.Errorf("doc = %+v, want sample session fields", doc)
	}
	if len(doc.Messages) != 2 {
		t.Errorf("len(messages) = %d, want 2", len(doc.Messages))
	}
}

func TestEscapeMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello", want: "hello"},
		{name: "bold", in: "**loud**", want: `\*\*loud\*\*`},
		{name: "underscores", in: "__also loud__", want: `\_\_also loud\_\_`},
		{
			name: "code block preserved",
			in:   "```go\na := **b\n```",
			want: "```go\na := **b\n```",
		},
		{
			name: "escaping resumes after block",
			in:   "```\nraw **x\n```\n**y**",
			want: "```\nraw **x\n```\n\\*\\*y\\*\\*",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := escapeMarkdown(tt.in); got != tt.want {
				t.Errorf("escapeMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
