package synchronization

import (
	"bytes"
	"encoding/json"
	"fmt"

	syncerr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/tidwall/gjson"
)

// diffCleanupThreshold is the minimum number of diffs before running
// semantic and efficiency cleanup passes.
const diffCleanupThreshold = 2

// incomingSession is a downloaded session body with its verified ID.
type incomingSession struct {
	id   string
	body json.RawMessage
}

// validateSession checks that a downloaded body is a JSON object whose id
// matches the one it was requested under.
func validateSession(want string, body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: session %s is not valid JSON", syncerr.ErrParse, want)
	}

	if !gjson.ParseBytes(body).IsObject() {
		return fmt.Errorf("%w: session %s is not a JSON object", syncerr.ErrParse, want)
	}

	id, err := sessionID(body)
	if err != nil {
		return fmt.Errorf("session %s: %w", want, err)
	}

	if id != want {
		return fmt.Errorf("%w: session %s has id %q", syncerr.ErrParse, want, id)
	}

	return nil
}

// mergeSessions applies incoming sessions to the stored array. A session
// whose ID already exists replaces it in place; new sessions are appended
// in the order given. Every other stored session is kept unchanged.
func mergeSessions(existing json.RawMessage, incoming []incomingSession) (json.RawMessage, error) {
	records, err := splitSessions(existing)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(records))

	for i, rec := range records {
		id, err := sessionID(rec)
		if err != nil {
			return nil, fmt.Errorf("local session %d: %w", i, err)
		}

		index[id] = i
	}

	for _, in := range incoming {
		if i, ok := index[in.id]; ok {
			records[i] = in.body
			continue
		}

		index[in.id] = len(records)
		records = append(records, in.body)
	}

	if records == nil {
		records = []json.RawMessage{}
	}

	out, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encoding merged sessions: %w", err)
	}

	return out, nil
}

// conflictPatch returns a diff-match-patch patch, in text form, that turns
// the local session document into the remote one. Both sides are
// pretty-printed canonical JSON so the patch is line oriented and stable.
func conflictPatch(local, remote []byte) (string, error) {
	localText, err := prettyCanonical(local)
	if err != nil {
		return "", fmt.Errorf("local side: %w", err)
	}

	remoteText, err := prettyCanonical(remote)
	if err != nil {
		return "", fmt.Errorf("remote side: %w", err)
	}

	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(localText, remoteText, true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}

	patches := dmp.PatchMake(localText, diffs)

	return dmp.PatchToText(patches), nil
}

func prettyCanonical(doc []byte) (string, error) {
	canon, err := canonicalJSON(doc)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, canon, "", "  "); err != nil {
		return "", fmt.Errorf("%w: %w", syncerr.ErrParse, err)
	}

	return buf.String(), nil
}
