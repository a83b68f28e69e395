package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/iksnae/chat-harvest/internal"
)

// nativeSession mirrors the provider's whole-document session format. Only
// the fields the normalizer understands are decoded; the raw document is
// kept alongside so unknown fields survive a round trip.
type nativeSession struct {
	Version         int             `json:"version"`
	SessionID       string          `json:"sessionId,omitempty"`
	CreationDate    int64           `json:"creationDate"`
	LastMessageDate int64           `json:"lastMessageDate"`
	CustomTitle     string          `json:"customTitle,omitempty"`
	InitialLocation string          `json:"initialLocation,omitempty"`
	Requests        []nativeRequest `json:"requests"`
}

// nativeRequest is one user turn plus the model's response.
type nativeRequest struct {
	RequestID    string          `json:"requestId,omitempty"`
	ResponseID   string          `json:"responseId,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	ModelID      string          `json:"modelId,omitempty"`
	Message      *nativeMessage  `json:"message,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	VariableData json.RawMessage `json:"variableData,omitempty"`
}

type nativeMessage struct {
	Text string `json:"text,omitempty"`
}

// nativeResponse is the subset of the response object the normalizer reads.
type nativeResponse struct {
	Result          string `json:"result,omitempty"`
	ToolInvocations []struct {
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"toolInvocations,omitempty"`
	TotalTokens int64 `json:"totalTokens,omitempty"`
}

type nativeVariableData struct {
	Variables []struct {
		Name  string `json:"name,omitempty"`
		Value string `json:"value,omitempty"`
	} `json:"variables,omitempty"`
}

// ParseSessionFile parses raw session file bytes outside any adapter.
// Intended for diagnostics over a single file; harvest goes through
// ReadSession.
func ParseSessionFile(content []byte) (*internal.Session, error) {
	info := DetectFormat(content)
	var doc *nativeSession
	var parseErr error
	switch info.Format {
	case FormatEventLog:
		doc, parseErr = parseEventLog("", content)
	default:
		doc, parseErr = parseLegacySession("", content)
	}
	if doc == nil {
		return nil, parseErr
	}
	session := normalizeNative(doc, internal.SessionRef{})
	session.Native = json.RawMessage(content)
	if parseErr != nil {
		session.Partial = true
	}
	return session, parseErr
}

// parseLegacySession decodes a whole-document session. When the document is
// truncated it falls back to element-wise decoding of the requests array and
// returns the recoverable prefix together with a PartialReadError.
func parseLegacySession(path string, content []byte) (*nativeSession, error) {
	var doc nativeSession
	err := json.Unmarshal(content, &doc)
	if err != nil {
		sanitized := sanitizeUnicode(string(content))
		if err2 := json.Unmarshal([]byte(sanitized), &doc); err2 == nil {
			content = []byte(sanitized)
			err = nil
		}
	}
	if err == nil {
		if doc.Version < minSchemaVersion || doc.Version > maxSchemaVersion {
			return nil, &internal.FormatError{
				Provider: "vscode",
				Path:     path,
				Detail:   fmt.Sprintf("unsupported schema version %d", doc.Version),
			}
		}
		return &doc, nil
	}

	recovered, rerr := recoverLegacyPrefix(content)
	if rerr != nil || len(recovered.Requests) == 0 {
		return nil, &internal.FormatError{Provider: "vscode", Path: path, Detail: "unparseable session document", Err: err}
	}
	return recovered, &internal.PartialReadError{Path: path, Recovered: len(recovered.Requests), Err: err}
}

// recoverLegacyPrefix re-parses a broken whole-document session by walking
// the requests array element by element and keeping everything before the
// first undecodable element.
func recoverLegacyPrefix(content []byte) (*nativeSession, error) {
	idx := bytes.Index(content, []byte(`"requests"`))
	if idx < 0 {
		return nil, fmt.Errorf("no requests array")
	}
	rest := content[idx+len(`"requests"`):]
	open := bytes.IndexByte(rest, '[')
	if open < 0 {
		return nil, fmt.Errorf("no requests array")
	}

	doc := &nativeSession{Version: maxSchemaVersion}
	// Header fields usually sit before the requests array and survive
	// truncation; decode what we can of them.
	head := make([]byte, idx)
	copy(head, content[:idx])
	head = bytes.TrimRight(bytes.TrimSpace(head), ",")
	head = append(head, '}')
	_ = json.Unmarshal(head, doc)

	dec := json.NewDecoder(bytes.NewReader(rest[open:]))
	if _, err := dec.Token(); err != nil { // consume '['
		return nil, err
	}
	for dec.More() {
		var req nativeRequest
		if err := dec.Decode(&req); err != nil {
			break
		}
		doc.Requests = append(doc.Requests, req)
	}
	return doc, nil
}

// parseEventLog reconstructs session state by replaying an append-only log
// in file order. Entry kinds: 0 seeds the initial state, 1 patches a single
// key, 2 replaces the whole requests array. A line that fails to decode
// (even after Unicode sanitation) truncates the replay; the state built so
// far is returned with a PartialReadError.
func parseEventLog(path string, content []byte) (*nativeSession, error) {
	doc := &nativeSession{Version: maxSchemaVersion, InitialLocation: "panel"}
	applied := 0
	lines := strings.Split(string(content), "\n")
	for lineNo, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry struct {
			Kind int             `json:"kind"`
			K    []string        `json:"k,omitempty"`
			V    json.RawMessage `json:"v,omitempty"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			if err2 := json.Unmarshal([]byte(sanitizeUnicode(line)), &entry); err2 != nil {
				if applied == 0 {
					return nil, &internal.FormatError{Provider: "vscode", Path: path, Detail: fmt.Sprintf("undecodable log entry at line %d", lineNo+1), Err: err}
				}
				return doc, &internal.PartialReadError{Path: path, Recovered: len(doc.Requests), Err: err}
			}
		}

		switch entry.Kind {
		case 0:
			var initial nativeSession
			if err := json.Unmarshal(entry.V, &initial); err == nil {
				if initial.Version != 0 {
					doc.Version = initial.Version
				}
				if initial.SessionID != "" {
					doc.SessionID = initial.SessionID
				}
				if initial.CreationDate != 0 {
					doc.CreationDate = initial.CreationDate
				}
				if initial.InitialLocation != "" {
					doc.InitialLocation = initial.InitialLocation
				}
				if len(initial.Requests) > 0 {
					doc.Requests = initial.Requests
				}
			}
		case 1:
			if len(entry.K) != 1 {
				break
			}
			switch entry.K[0] {
			case "customTitle":
				var title string
				if err := json.Unmarshal(entry.V, &title); err == nil {
					doc.CustomTitle = title
				}
			case "lastMessageDate":
				var date int64
				if err := json.Unmarshal(entry.V, &date); err == nil {
					doc.LastMessageDate = date
				}
			}
		case 2:
			var reqs []nativeRequest
			if err := json.Unmarshal(entry.V, &reqs); err == nil {
				doc.Requests = reqs
				if len(reqs) > 0 && reqs[len(reqs)-1].Timestamp != 0 {
					doc.LastMessageDate = reqs[len(reqs)-1].Timestamp
				}
			}
		}
		applied++
	}

	if doc.Version < minSchemaVersion || doc.Version > maxSchemaVersion {
		return nil, &internal.FormatError{
			Provider: "vscode",
			Path:     path,
			Detail:   fmt.Sprintf("unsupported schema version %d", doc.Version),
		}
	}
	return doc, nil
}

// normalizeNative converts the native document into a canonical session.
// Each request contributes a user message and, when a response result is
// present, an assistant message carrying the tool calls.
func normalizeNative(doc *nativeSession, ref internal.SessionRef) *internal.Session {
	s := &internal.Session{
		ID:        ref.ID,
		Provider:  "vscode",
		Workspace: ref.WorkspaceHash,
		Title:     doc.CustomTitle,
		CreatedAt: doc.CreationDate,
		UpdatedAt: doc.LastMessageDate,
	}
	if doc.SessionID != "" {
		s.ID = doc.SessionID
	}

	files := map[string]bool{}
	for _, req := range doc.Requests {
		if req.Message != nil && req.Message.Text != "" {
			s.Messages = append(s.Messages, internal.Message{
				ID:        req.RequestID,
				Role:      "user",
				Content:   req.Message.Text,
				Timestamp: req.Timestamp,
			})
		}
		if len(req.Response) == 0 {
			continue
		}
		var resp nativeResponse
		if err := json.Unmarshal(req.Response, &resp); err != nil || resp.Result == "" {
			continue
		}
		msg := internal.Message{
			ID:        req.ResponseID,
			Role:      "assistant",
			Content:   resp.Result,
			Timestamp: req.Timestamp,
		}
		for _, tc := range resp.ToolInvocations {
			msg.ToolCalls = append(msg.ToolCalls, internal.ToolCall{Name: tc.Name, Input: string(tc.Input)})
		}
		if len(req.VariableData) > 0 {
			var vd nativeVariableData
			if err := json.Unmarshal(req.VariableData, &vd); err == nil {
				for _, v := range vd.Variables {
					if v.Name != "" {
						msg.References = append(msg.References, v.Name)
						files[v.Name] = true
					}
				}
			}
		}
		if s.Metadata.Model == "" && req.ModelID != "" {
			s.Metadata.Model = req.ModelID
		}
		s.Metadata.TotalTokens += resp.TotalTokens
		s.Messages = append(s.Messages, msg)
	}

	for f := range files {
		s.Metadata.FilesReferenced = append(s.Metadata.FilesReferenced, f)
	}
	sort.Strings(s.Metadata.FilesReferenced)

	if s.UpdatedAt == 0 && len(s.Messages) > 0 {
		s.UpdatedAt = s.Messages[len(s.Messages)-1].Timestamp
	}
	s.Resequence()
	return s
}

// renderNative serializes a canonical session back into the whole-document
// form. The original raw document seeds the output so top-level fields the
// normalizer never decoded are carried through unchanged; requests whose
// messages are untouched reuse their original raw objects.
func renderNative(session *internal.Session) ([]byte, error) {
	top := map[string]json.RawMessage{}
	var origRequests []json.RawMessage
	if len(session.Native) > 0 {
		if err := json.Unmarshal(session.Native, &top); err != nil {
			return nil, fmt.Errorf("re-decode native document: %w", err)
		}
		if raw, ok := top["requests"]; ok {
			_ = json.Unmarshal(raw, &origRequests)
		}
	}

	origByID := map[string]json.RawMessage{}
	for _, raw := range origRequests {
		var probe struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil && probe.RequestID != "" {
			origByID[probe.RequestID] = raw
		}
	}

	requests, err := requestsFromMessages(session, origByID)
	if err != nil {
		return nil, err
	}

	setRaw := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		top[key] = raw
		return nil
	}

	if _, ok := top["version"]; !ok {
		if err := setRaw("version", maxSchemaVersion); err != nil {
			return nil, err
		}
	}
	if err := setRaw("sessionId", session.ID); err != nil {
		return nil, err
	}
	if session.Title != "" {
		if err := setRaw("customTitle", session.Title); err != nil {
			return nil, err
		}
	}
	if err := setRaw("creationDate", session.CreatedAt); err != nil {
		return nil, err
	}
	if err := setRaw("lastMessageDate", session.UpdatedAt); err != nil {
		return nil, err
	}
	if err := setRaw("requests", requests); err != nil {
		return nil, err
	}
	return json.MarshalIndent(top, "", "  ")
}

// requestsFromMessages folds the canonical message sequence back into
// request pairs. A user message opens a request; the following assistant
// message closes it. Requests whose content matches the original document
// keep their original bytes.
func requestsFromMessages(session *internal.Session, origByID map[string]json.RawMessage) ([]json.RawMessage, error) {
	var requests []json.RawMessage
	msgs := session.Messages
	for i := 0; i < len(msgs); {
		msg := msgs[i]
		if msg.Role != "user" {
			// Orphan assistant or system message: emit a response-only
			// request so nothing is dropped.
			raw, err := marshalRequest(nativeRequest{
				ResponseID: msg.ID,
				Timestamp:  msg.Timestamp,
			}, &msg)
			if err != nil {
				return nil, err
			}
			requests = append(requests, raw)
			i++
			continue
		}

		req := nativeRequest{
			RequestID: msg.ID,
			Timestamp: msg.Timestamp,
			Message:   &nativeMessage{Text: msg.Content},
		}
		var resp *internal.Message
		if i+1 < len(msgs) && msgs[i+1].Role == "assistant" {
			resp = &msgs[i+1]
			req.ResponseID = resp.ID
			i += 2
		} else {
			i++
		}

		if orig, ok := origByID[msg.ID]; ok && requestUnchanged(orig, msg, resp) {
			requests = append(requests, orig)
			continue
		}
		raw, err := marshalRequest(req, resp)
		if err != nil {
			return nil, err
		}
		requests = append(requests, raw)
	}
	return requests, nil
}

func marshalRequest(req nativeRequest, resp *internal.Message) (json.RawMessage, error) {
	if resp != nil {
		out := nativeResponse{Result: resp.Content}
		for _, tc := range resp.ToolCalls {
			out.ToolInvocations = append(out.ToolInvocations, struct {
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input,omitempty"`
			}{Name: tc.Name, Input: json.RawMessage(tc.Input)})
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		req.Response = raw
	}
	return json.Marshal(req)
}

// requestUnchanged reports whether a canonical user/assistant pair still
// matches the original raw request it came from.
func requestUnchanged(orig json.RawMessage, user internal.Message, resp *internal.Message) bool {
	var probe nativeRequest
	if err := json.Unmarshal(orig, &probe); err != nil {
		return false
	}
	if probe.Message == nil || probe.Message.Text != user.Content {
		return false
	}
	if resp == nil {
		return len(probe.Response) == 0
	}
	var pr nativeResponse
	if err := json.Unmarshal(probe.Response, &pr); err != nil {
		return false
	}
	return pr.Result == resp.Content
}
