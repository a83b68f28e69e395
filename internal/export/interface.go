// Package export renders canonical sessions into interchange formats.
package export

import (
	"fmt"
	"io"

	"github.com/iksnae/chat-harvest/internal"
)

// Exporter defines the interface for all export formats
type Exporter interface {
	Export(session *internal.Session, w io.Writer) error
	Extension() string
}

// NewExporter creates a new exporter based on format
func NewExporter(format string) (Exporter, error) {
	switch format {
	case "jsonl":
		return &JSONLExporter{}, nil
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	case "yaml":
		return &YAMLExporter{}, nil
	case "json":
		return &JSONExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: jsonl, md, yaml, json)", format)
	}
}

// document is the universal session schema shared by the structured
// exporters. Consumers parse this shape, so field names are stable.
type document struct {
	ID        string            `json:"id" yaml:"id"`
	Title     string            `json:"title,omitempty" yaml:"title,omitempty"`
	Provider  string            `json:"provider" yaml:"provider"`
	Workspace string            `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	CreatedAt int64             `json:"created_at" yaml:"created_at"`
	Messages  []documentMessage `json:"messages" yaml:"messages"`
	Metadata  internal.Metadata `json:"metadata" yaml:"metadata"`
}

type documentMessage struct {
	Role       string              `json:"role" yaml:"role"`
	Content    string              `json:"content" yaml:"content"`
	Timestamp  int64               `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	ToolCalls  []internal.ToolCall `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	References []string            `json:"references,omitempty" yaml:"references,omitempty"`
}

func newDocument(session *internal.Session) document {
	doc := document{
		ID:        session.ID,
		Title:     session.Title,
		Provider:  session.Provider,
		Workspace: session.Workspace,
		CreatedAt: session.CreatedAt,
		Messages:  make([]documentMessage, 0, len(session.Messages)),
		Metadata:  session.Metadata,
	}
	for _, msg := range session.Messages {
		doc.Messages = append(doc.Messages, documentMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			Timestamp:  msg.Timestamp,
			ToolCalls:  msg.ToolCalls,
			References: msg.References,
		})
	}
	return doc
}
