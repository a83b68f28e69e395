package provider

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// SessionFormat identifies the physical encoding of a session file.
type SessionFormat int

const (
	// FormatLegacyJSON is the whole-document form: one JSON object
	// holding the full session state.
	FormatLegacyJSON SessionFormat = iota
	// FormatEventLog is the append-only JSONL form: the session state is
	// reconstructed by replaying log entries in file order.
	FormatEventLog
)

func (f SessionFormat) String() string {
	if f == FormatEventLog {
		return "jsonl"
	}
	return "json"
}

// SchemaVersion bounds for the native session document. Versions outside
// this range are surfaced as FormatError, not parsed on a guess.
const (
	minSchemaVersion = 1
	maxSchemaVersion = 3
)

// FormatInfo is the result of sniffing a session file.
type FormatInfo struct {
	Format        SessionFormat
	SchemaVersion int
	Confidence    float64
	Method        string
}

// DetectFormat sniffs content to classify the physical encoding and schema
// version. Extension hints are unreliable: editors have been observed
// renaming logs to .json, so content wins over the path.
func DetectFormat(content []byte) FormatInfo {
	trimmed := strings.TrimSpace(string(content))

	if strings.HasPrefix(trimmed, `{"kind":`) || strings.HasPrefix(trimmed, `{ "kind":`) {
		return detectEventLogVersion(trimmed)
	}

	kindLines := 0
	nonEmpty := 0
	for _, line := range strings.SplitN(trimmed, "\n", 11) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		nonEmpty++
		if strings.HasPrefix(line, "{") && strings.Contains(line, `"kind"`) {
			kindLines++
		}
	}
	if kindLines >= 2 {
		return detectEventLogVersion(trimmed)
	}

	info := FormatInfo{Format: FormatLegacyJSON, SchemaVersion: maxSchemaVersion, Confidence: 0.5, Method: "legacy-default"}
	var doc struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal([]byte(trimmed), &doc); err == nil && doc.Version != nil {
		info.SchemaVersion = *doc.Version
		info.Confidence = 0.95
		info.Method = "legacy-version-field"
	} else if strings.Contains(trimmed, `"sessionId"`) || strings.Contains(trimmed, `"requests"`) {
		info.Confidence = 0.7
		info.Method = "legacy-markers"
	}
	return info
}

func detectEventLogVersion(trimmed string) FormatInfo {
	info := FormatInfo{Format: FormatEventLog, SchemaVersion: maxSchemaVersion, Confidence: 0.7, Method: "jsonl-default"}
	firstLine := trimmed
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		firstLine = trimmed[:idx]
	}
	var entry struct {
		V struct {
			Version *int `json:"version"`
		} `json:"v"`
	}
	if err := json.Unmarshal([]byte(firstLine), &entry); err == nil && entry.V.Version != nil {
		info.SchemaVersion = *entry.V.Version
		info.Confidence = 0.95
		info.Method = "jsonl-version-field"
	}
	return info
}

var unicodeEscapeRe = regexp.MustCompile(`\\u[0-9a-fA-F]{4}`)

// sanitizeUnicode replaces lone UTF-16 surrogate escapes with �. The
// editor occasionally writes invalid JSON containing unpaired surrogates
// (for example \udde0 with no preceding high surrogate); a plain decoder
// rejects the whole file over one bad escape.
func sanitizeUnicode(content string) string {
	matches := unicodeEscapeRe.FindAllStringIndex(content, -1)
	if matches == nil {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))
	last := 0
	for i, m := range matches {
		start, end := m[0], m[1]
		b.WriteString(content[last:start])
		esc := content[start:end]
		cp, err := strconv.ParseUint(esc[2:], 16, 16)
		if err != nil {
			b.WriteString(esc)
			last = end
			continue
		}
		switch {
		case cp >= 0xD800 && cp <= 0xDBFF:
			// High surrogate: valid only when the low half follows
			// immediately.
			if i+1 < len(matches) && matches[i+1][0] == end && isLowSurrogate(content, matches[i+1]) {
				b.WriteString(esc)
			} else {
				b.WriteString(`�`)
			}
		case cp >= 0xDC00 && cp <= 0xDFFF:
			if i > 0 && matches[i-1][1] == start && isHighSurrogate(content, matches[i-1]) {
				b.WriteString(esc)
			} else {
				b.WriteString(`�`)
			}
		default:
			b.WriteString(esc)
		}
		last = end
	}
	b.WriteString(content[last:])
	return b.String()
}

func isHighSurrogate(content string, m []int) bool {
	cp, err := strconv.ParseUint(content[m[0]+2:m[1]], 16, 16)
	return err == nil && cp >= 0xD800 && cp <= 0xDBFF
}

func isLowSurrogate(content string, m []int) bool {
	cp, err := strconv.ParseUint(content[m[0]+2:m[1]], 16, 16)
	return err == nil && cp >= 0xDC00 && cp <= 0xDFFF
}
