package provider

import (
	"encoding/json"
	"strings"
)

// richTextNode is one node of the editor's rich text tree. Leaf text may
// sit in text, content or value depending on node type.
type richTextNode struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Content  string         `json:"content,omitempty"`
	Value    string         `json:"value,omitempty"`
	Language string         `json:"language,omitempty"`
	Children []richTextNode `json:"children,omitempty"`
}

// extractRichText flattens a rich text JSON document into plain text.
// Bubbles written by newer editor versions carry their content here
// instead of the plain text field. Returns "" when the document cannot
// be parsed; callers treat that as an empty bubble.
func extractRichText(raw string) string {
	if raw == "" {
		return ""
	}
	var doc struct {
		Root richTextNode `json:"root"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		// Some versions store the node array at the top level.
		var nodes []richTextNode
		if err := json.Unmarshal([]byte(raw), &nodes); err != nil {
			return ""
		}
		doc.Root.Children = nodes
	}

	var sb strings.Builder
	flattenRichText(&sb, doc.Root)
	return strings.TrimSpace(sb.String())
}

func flattenRichText(sb *strings.Builder, node richTextNode) {
	switch node.Type {
	case "code", "codeblock", "code-block":
		text := firstNonEmpty(node.Text, node.Content, node.Value)
		if text == "" {
			var inner strings.Builder
			for _, child := range node.Children {
				flattenRichText(&inner, child)
			}
			text = inner.String()
		}
		sb.WriteString("```")
		sb.WriteString(node.Language)
		sb.WriteString("\n")
		sb.WriteString(text)
		sb.WriteString("\n```\n")
		return
	case "linebreak":
		sb.WriteString("\n")
		return
	}

	if text := firstNonEmpty(node.Text, node.Content, node.Value); text != "" {
		sb.WriteString(text)
	}
	for _, child := range node.Children {
		flattenRichText(sb, child)
	}
	if node.Type == "paragraph" || node.Type == "heading" {
		sb.WriteString("\n")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
