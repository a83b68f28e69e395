package internal

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// DefaultBucketMillis is the fingerprint timestamp bucket width. Two copies
// of the same message harvested from different stores rarely carry the same
// millisecond timestamp, so fingerprinting buckets time instead of matching
// it exactly. Tunable via MergerConfig.
const DefaultBucketMillis = 60_000

// MergerConfig tunes merge behavior.
type MergerConfig struct {
	// BucketMillis is the timestamp bucket width for fingerprinting.
	BucketMillis int64
	// ProviderPriority breaks ordering ties between messages from
	// different providers. Earlier entries win. Providers not listed
	// sort after listed ones, alphabetically.
	ProviderPriority []string
}

// Merger collapses session fragments into one deduplicated, chronologically
// ordered session. Merging is idempotent: merging a merged session with
// itself yields the same result.
type Merger struct {
	bucketMillis int64
	priority     map[string]int
}

// NewMerger creates a Merger from cfg, applying defaults for zero fields.
func NewMerger(cfg MergerConfig) *Merger {
	bucket := cfg.BucketMillis
	if bucket <= 0 {
		bucket = DefaultBucketMillis
	}
	priority := make(map[string]int, len(cfg.ProviderPriority))
	for i, p := range cfg.ProviderPriority {
		priority[p] = i
	}
	return &Merger{bucketMillis: bucket, priority: priority}
}

// Fingerprint computes the duplicate-detection hash for a message: role,
// content, and the timestamp bucket. It is never used for ordering.
func (m *Merger) Fingerprint(msg Message) string {
	h := sha256.New()
	h.Write([]byte(msg.Role))
	h.Write([]byte{0})
	h.Write([]byte(msg.Content))
	h.Write([]byte{0})
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(msg.Timestamp/m.bucketMillis))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

type mergeEntry struct {
	msg         Message
	provider    string
	fingerprint string
}

// Merge unions the fragments' messages, collapses duplicates by fingerprint,
// and orders the result by timestamp, original sequence index, then provider
// priority. No non-duplicate message is ever dropped.
func (m *Merger) Merge(fragments ...*Session) *Session {
	if len(fragments) == 0 {
		return nil
	}

	byFingerprint := make(map[string]*mergeEntry)
	var order []*mergeEntry

	for _, frag := range fragments {
		if frag == nil {
			continue
		}
		for _, msg := range frag.Messages {
			fp := m.Fingerprint(msg)
			if existing, ok := byFingerprint[fp]; ok {
				mergeUnique(&existing.msg, msg)
				continue
			}
			entry := &mergeEntry{msg: msg, provider: frag.Provider, fingerprint: fp}
			byFingerprint[fp] = entry
			order = append(order, entry)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.msg.Timestamp != b.msg.Timestamp {
			return a.msg.Timestamp < b.msg.Timestamp
		}
		if a.msg.Sequence != b.msg.Sequence {
			return a.msg.Sequence < b.msg.Sequence
		}
		ra, rb := m.providerRank(a.provider), m.providerRank(b.provider)
		if ra != rb {
			return ra < rb
		}
		return a.provider < b.provider
	})

	order = collapseRuns(order, m.bucketMillis)

	out := m.mergedIdentity(fragments)
	out.Messages = make([]Message, 0, len(order))
	for _, entry := range order {
		out.Messages = append(out.Messages, entry.msg)
	}
	out.Resequence()
	return out
}

// providerRank maps a provider tag to its priority index. Unlisted providers
// rank after all listed ones; ties among them fall back to the tag itself in
// the sort comparator so output stays reproducible.
func (m *Merger) providerRank(provider string) int {
	if rank, ok := m.priority[provider]; ok {
		return rank
	}
	return len(m.priority)
}

// mergeUnique folds a duplicate message into its kept counterpart: the union
// of tool calls and references is preserved, unique fields are untouched.
func mergeUnique(dst *Message, src Message) {
	for _, tc := range src.ToolCalls {
		if !containsToolCall(dst.ToolCalls, tc) {
			dst.ToolCalls = append(dst.ToolCalls, tc)
		}
	}
	for _, ref := range src.References {
		if !containsString(dst.References, ref) {
			dst.References = append(dst.References, ref)
		}
	}
	if dst.ID == "" {
		dst.ID = src.ID
	}
}

// collapseRuns removes contiguous duplicates that escaped fingerprint
// collapse because their timestamps straddle a bucket boundary. Repeated
// re-harvest of an unchanged session tail is the usual cause.
func collapseRuns(entries []*mergeEntry, bucketMillis int64) []*mergeEntry {
	if len(entries) < 2 {
		return entries
	}
	out := entries[:1]
	for _, entry := range entries[1:] {
		prev := out[len(out)-1]
		if entry.msg.Role == prev.msg.Role &&
			entry.msg.Content == prev.msg.Content &&
			entry.msg.Timestamp-prev.msg.Timestamp < bucketMillis {
			mergeUnique(&prev.msg, entry.msg)
			continue
		}
		out = append(out, entry)
	}
	return out
}

// mergedIdentity picks the output session's identity fields: id and creation
// from the earliest fragment, title and workspace from the latest that has
// one, update time from the newest.
func (m *Merger) mergedIdentity(fragments []*Session) *Session {
	out := &Session{}
	for _, frag := range fragments {
		if frag == nil {
			continue
		}
		if out.ID == "" || (frag.CreatedAt > 0 && frag.CreatedAt < out.CreatedAt) {
			out.ID = frag.ID
			out.Provider = frag.Provider
			out.CreatedAt = frag.CreatedAt
		}
		if frag.UpdatedAt > out.UpdatedAt {
			out.UpdatedAt = frag.UpdatedAt
			if frag.Title != "" {
				out.Title = frag.Title
			}
			if frag.Workspace != "" {
				out.Workspace = frag.Workspace
			}
		}
		if out.Title == "" {
			out.Title = frag.Title
		}
		if out.Workspace == "" {
			out.Workspace = frag.Workspace
		}
		if out.Metadata.Model == "" {
			out.Metadata.Model = frag.Metadata.Model
		}
		if frag.Metadata.TotalTokens > out.Metadata.TotalTokens {
			out.Metadata.TotalTokens = frag.Metadata.TotalTokens
		}
		for _, f := range frag.Metadata.FilesReferenced {
			if !containsString(out.Metadata.FilesReferenced, f) {
				out.Metadata.FilesReferenced = append(out.Metadata.FilesReferenced, f)
			}
		}
	}
	return out
}

func containsToolCall(calls []ToolCall, tc ToolCall) bool {
	for _, c := range calls {
		if c.Name == tc.Name && c.Input == tc.Input {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
