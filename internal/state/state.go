package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)
)

// ErrLocked is returned by LoadAt when another process holds the
// database, typically a running `chat-sync run` daemon.
var ErrLocked = errors.New("state database is locked by another chat-sync process")

var (
	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	appBucket       = []byte("app")
	storeBucket     = []byte("store")
	conflictsBucket = []byte("conflicts")
	tokenKey        = []byte("token")
	lastRunKey      = []byte("last_run")
)

// CachedToken is a provider access token cached between runs.
// RefreshHash identifies the refresh token it was minted from, so a
// changed refresh token in settings invalidates the cache.
type CachedToken struct {
	AccessToken string    `json:"access_token"`
	RefreshHash string    `json:"refresh_hash"`
	Expiry      time.Time `json:"expiry"`
}

// SyncRun records the outcome of one reconciliation run.
type SyncRun struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Uploaded   []string  `json:"uploaded,omitempty"`
	Downloaded []string  `json:"downloaded,omitempty"`
	Conflicts  []string  `json:"conflicts,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ConflictRecord preserves the remote side of a session that lost a
// timestamp tie-break. Patch turns the local document into the remote
// one (diff-match-patch text format).
type ConflictRecord struct {
	ID         string    `json:"id"`
	LocalHash  string    `json:"local_hash"`
	RemoteHash string    `json:"remote_hash"`
	DetectedAt time.Time `json:"detected_at"`
	Patch      string    `json:"patch"`
}

// State wraps a bbolt database for all persistent application state,
// including the key-value document store the chat client writes
// sessions into.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if errors.Is(err, berrors.ErrTimeout) {
		return nil, fmt.Errorf("opening state db %s: %w", path, ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, storeBucket, conflictsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Get returns the JSON value stored under key, or nil if the key is absent.
func (s *State) Get(key string) (json.RawMessage, error) {
	var value json.RawMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(storeBucket).Get([]byte(key))
		if v == nil {
			return nil
		}

		// bbolt memory is only valid inside the transaction.
		value = bytes.Clone(v)

		return nil
	})

	return value, err
}

// Set stores value under key. The value must be valid JSON.
func (s *State) Set(key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %q is not valid JSON", key)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(storeBucket).Put([]byte(key), value)
	})
}

// CachedToken returns the cached access token, or nil if none is stored.
func (s *State) CachedToken() (*CachedToken, error) {
	var ct *CachedToken

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(tokenKey)
		if v == nil {
			return nil
		}

		ct = &CachedToken{}

		return json.Unmarshal(v, ct)
	})

	return ct, err
}

// SetCachedToken persists the access token cache.
func (s *State) SetCachedToken(ct CachedToken) error {
	return s.putJSON(appBucket, tokenKey, ct)
}

// ClearCachedToken removes the cached access token.
func (s *State) ClearCachedToken() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(tokenKey)
	})
}

// LastRun returns the most recent recorded run, or nil if none.
func (s *State) LastRun() (*SyncRun, error) {
	var run *SyncRun

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(lastRunKey)
		if v == nil {
			return nil
		}

		run = &SyncRun{}

		return json.Unmarshal(v, run)
	})

	return run, err
}

// SaveRun records run as the most recent run.
func (s *State) SaveRun(run SyncRun) error {
	return s.putJSON(appBucket, lastRunKey, run)
}

// SaveConflict stores a conflict record, replacing any earlier record
// for the same session.
func (s *State) SaveConflict(c ConflictRecord) error {
	if c.ID == "" {
		return fmt.Errorf("conflict record needs a session id")
	}

	return s.putJSON(conflictsBucket, []byte(c.ID), c)
}

// DeleteConflict removes the conflict record for a session. Deleting a
// missing record is not an error.
func (s *State) DeleteConflict(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).Delete([]byte(id))
	})
}

// AllConflicts returns every stored conflict, newest first.
func (s *State) AllConflicts() ([]ConflictRecord, error) {
	var conflicts []ConflictRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).ForEach(func(_, v []byte) error {
			var c ConflictRecord
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			conflicts = append(conflicts, c)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt.After(conflicts[j].DetectedAt)
	})

	return conflicts, nil
}

func (s *State) putJSON(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

// DefaultPath returns ~/.chat-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".chat-sync", "state.db"), nil
}
