// Package synchronization reconciles the local chat-session store with
// the copy held by a remote object store. It builds content fingerprints
// for both sides, plans per-session transfers, and runs one
// reconciliation at a time under an execution lock.
package synchronization

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"
	"unicode/utf8"

	syncerr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// SessionsKey is the local store key holding the JSON array of all chat
// sessions.
const SessionsKey = "chat-sessions"

// ChatSessionMetadata fingerprints one session. Content is the session
// document exactly as read from the local store and is never written
// into a manifest.
type ChatSessionMetadata struct {
	ID         string          `json:"id"`
	Hash       string          `json:"hash"`
	UpdateTime *int64          `json:"updateTime,omitempty"`
	Content    json.RawMessage `json:"-"`
}

// SyncMetadata is the manifest exchanged with the remote store.
type SyncMetadata struct {
	Hash        string                         `json:"hash"`
	LastSync    int64                          `json:"last_sync"`
	ChatSession map[string]ChatSessionMetadata `json:"chat_session"`
}

// AbsentMetadata returns the sentinel for "no manifest was ever
// uploaded". It differs from a manifest with zero sessions, whose
// aggregate hash is never empty.
func AbsentMetadata() SyncMetadata {
	return SyncMetadata{ChatSession: map[string]ChatSessionMetadata{}}
}

// IsAbsent reports whether m is the absent-remote sentinel.
func (m SyncMetadata) IsAbsent() bool {
	return m.Hash == ""
}

// SortedIDs returns the session IDs in ascending order.
func (m SyncMetadata) SortedIDs() []string {
	ids := make([]string, 0, len(m.ChatSession))
	for id := range m.ChatSession {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// LocalStore is the key-value store the chat client keeps its sessions
// in. Get returns nil when the key is absent.
type LocalStore interface {
	Get(key string) (json.RawMessage, error)
	Set(key string, value json.RawMessage) error
}

// BuildLocalMetadata fingerprints every session in store. A missing
// sessions key yields an empty manifest. When the array holds the same ID
// twice, the later record wins.
func BuildLocalMetadata(store LocalStore, now time.Time) (SyncMetadata, error) {
	raw, err := store.Get(SessionsKey)
	if err != nil {
		return SyncMetadata{}, fmt.Errorf("reading local sessions: %w", err)
	}

	records, err := splitSessions(raw)
	if err != nil {
		return SyncMetadata{}, err
	}

	m := SyncMetadata{
		LastSync:    now.UnixMilli(),
		ChatSession: make(map[string]ChatSessionMetadata, len(records)),
	}

	for i, rec := range records {
		meta, err := sessionMetadata(rec)
		if err != nil {
			return SyncMetadata{}, fmt.Errorf("local session %d: %w", i, err)
		}

		m.ChatSession[meta.ID] = meta
	}

	m.Hash, err = aggregateHash(m.ChatSession)
	if err != nil {
		return SyncMetadata{}, err
	}

	return m, nil
}

// sessionMetadata fingerprints a single session document.
func sessionMetadata(rec json.RawMessage) (ChatSessionMetadata, error) {
	id, err := sessionID(rec)
	if err != nil {
		return ChatSessionMetadata{}, err
	}

	hash, err := SessionHash(rec)
	if err != nil {
		return ChatSessionMetadata{}, fmt.Errorf("session %s: %w", id, err)
	}

	meta := ChatSessionMetadata{
		ID:      id,
		Hash:    hash,
		Content: rec,
	}

	if ut := gjson.GetBytes(rec, "updateTime"); ut.Type == gjson.Number {
		v := ut.Int()
		meta.UpdateTime = &v
	}

	return meta, nil
}

// sessionID extracts the non-empty string id of a session document. The
// id must already be in NFC form, as remote paths are NFC-normalized.
func sessionID(rec json.RawMessage) (string, error) {
	id := gjson.GetBytes(rec, "id")
	if id.Type != gjson.String || id.Str == "" {
		return "", fmt.Errorf("%w: session has no string id", syncerr.ErrParse)
	}

	if !norm.NFC.IsNormalString(id.Str) {
		return "", fmt.Errorf("%w: session id %q is not NFC-normalized", syncerr.ErrParse, id.Str)
	}

	return id.Str, nil
}

// splitSessions returns the elements of the sessions array. Each element
// is copied out of raw and must be a JSON object.
func splitSessions(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if !gjson.ValidBytes(trimmed) {
		return nil, fmt.Errorf("%w: local sessions are not valid JSON", syncerr.ErrParse)
	}

	arr := gjson.ParseBytes(trimmed)
	if !arr.IsArray() {
		return nil, fmt.Errorf("%w: local sessions are not a JSON array", syncerr.ErrParse)
	}

	var (
		records []json.RawMessage
		err     error
	)

	arr.ForEach(func(_, v gjson.Result) bool {
		switch {
		case v.Type == gjson.Null:
			err = fmt.Errorf("%w: session %d is null", syncerr.ErrContentMissing, len(records))
			return false
		case !v.IsObject():
			err = fmt.Errorf("%w: session %d is not a JSON object", syncerr.ErrParse, len(records))
			return false
		}

		records = append(records, json.RawMessage(v.Raw))

		return true
	})

	if err != nil {
		return nil, err
	}

	return records, nil
}

// SessionHash returns the hex SHA-256 of the canonical form of a session
// document, so field order and insignificant whitespace do not change it.
func SessionHash(doc []byte) (string, error) {
	canon, err := canonicalJSON(doc)
	if err != nil {
		return "", err
	}

	return hashHex(canon), nil
}

// canonicalJSON re-encodes doc with object keys sorted and whitespace
// removed. Numbers keep their original text. Invalid UTF-8 is rejected
// since the decoder would replace it with U+FFFD.
func canonicalJSON(doc []byte) ([]byte, error) {
	if !utf8.Valid(doc) {
		return nil, fmt.Errorf("%w: document is not valid UTF-8", syncerr.ErrParse)
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrParse, err)
	}

	if err := dec.Decode(new(any)); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON document", syncerr.ErrParse)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrParse, err)
	}

	return out, nil
}

// aggregateHash fingerprints the whole manifest as the sorted list of
// session entries. The manifest's own hash and last_sync are excluded.
func aggregateHash(sessions map[string]ChatSessionMetadata) (string, error) {
	entries := make([]ChatSessionMetadata, 0, len(sessions))
	for _, meta := range sessions {
		entries = append(entries, meta)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encoding manifest entries: %w", err)
	}

	return hashHex(data), nil
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EncodeMetadata serializes a manifest for upload.
func EncodeMetadata(m SyncMetadata) ([]byte, error) {
	if m.ChatSession == nil {
		m.ChatSession = map[string]ChatSessionMetadata{}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}

	return data, nil
}

// ParseMetadata decodes a manifest downloaded from the remote store.
// Entries without an id take it from their map key.
func ParseMetadata(data []byte) (SyncMetadata, error) {
	var m SyncMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return SyncMetadata{}, fmt.Errorf("%w: decoding manifest: %w", syncerr.ErrParse, err)
	}

	if m.ChatSession == nil {
		m.ChatSession = map[string]ChatSessionMetadata{}
	}

	for key, meta := range m.ChatSession {
		if meta.ID == "" {
			meta.ID = key
			m.ChatSession[key] = meta
		}
	}

	return m, nil
}
