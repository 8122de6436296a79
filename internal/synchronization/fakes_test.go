package synchronization

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	syncerr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/settings"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/stretchr/testify/require"
)

const testRoot = "/Apps/chat-sync"

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- memStore ---

type memStore struct {
	mu     sync.Mutex
	data   map[string]json.RawMessage
	getErr error
	setErr error
}

func newMemStore(sessions ...string) *memStore {
	s := &memStore{data: map[string]json.RawMessage{}}
	if len(sessions) > 0 {
		s.data[SessionsKey] = json.RawMessage("[" + strings.Join(sessions, ",") + "]")
	}
	return s
}

func (s *memStore) Get(key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return bytes.Clone(v), nil
}

func (s *memStore) Set(key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.data[key] = bytes.Clone(value)
	return nil
}

// session returns the stored document with the given id, or "".
func (s *memStore) session(t *testing.T, id string) string {
	t.Helper()
	raw, err := s.Get(SessionsKey)
	require.NoError(t, err)
	records, err := splitSessions(raw)
	require.NoError(t, err)
	for _, rec := range records {
		if rid, _ := sessionID(rec); rid == id {
			return string(rec)
		}
	}
	return ""
}

// --- fakeRemote ---

// fakeRemote is an in-memory RemoteStore that logs every call as
// "<op> <path>" and honours context cancellation like a real client.
type fakeRemote struct {
	mu       sync.Mutex
	objects  map[string][]byte
	calls    []string
	checkErr error
	failOn   map[string]error

	// onCheck, if set, runs inside Check before it returns.
	onCheck func()
	// onDownload, if set, runs inside Download before it returns.
	onDownload func(path string)
	// onUpload, if set, runs after Upload has stored the object.
	onUpload func(path string)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		objects: map[string][]byte{},
		failOn:  map[string]error{},
	}
}

func (f *fakeRemote) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRemote) Check(ctx context.Context, token string) error {
	f.record("check")
	if f.onCheck != nil {
		f.onCheck()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", syncerr.ErrTransport, err)
	}
	return f.checkErr
}

func (f *fakeRemote) Download(ctx context.Context, token, path string) ([]byte, error) {
	f.record("download " + path)
	if f.onDownload != nil {
		f.onDownload(path)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrTransport, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn["download "+path]; ok {
		return nil, err
	}
	data, ok := f.objects[path]
	if !ok {
		return nil, fmt.Errorf("%w: path/not_found", syncerr.ErrNotFound)
	}
	return bytes.Clone(data), nil
}

func (f *fakeRemote) Upload(ctx context.Context, token, path string, data []byte) error {
	f.record("upload " + path)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", syncerr.ErrTransport, err)
	}

	f.mu.Lock()
	if err, ok := f.failOn["upload "+path]; ok {
		f.mu.Unlock()
		return err
	}
	f.objects[path] = bytes.Clone(data)
	f.mu.Unlock()

	if f.onUpload != nil {
		f.onUpload(path)
	}
	return nil
}

func (f *fakeRemote) RootPath() string { return testRoot }

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *fakeRemote) object(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[path]
}

// manifest parses the uploaded manifest.
func (f *fakeRemote) manifest(t *testing.T) SyncMetadata {
	t.Helper()
	data := f.object(ManifestPath(testRoot))
	require.NotNil(t, data, "manifest not uploaded")
	m, err := ParseMetadata(data)
	require.NoError(t, err)
	return m
}

// seed uploads the given session documents and a manifest describing
// them, as another device would have.
func (f *fakeRemote) seed(t *testing.T, sessions ...string) SyncMetadata {
	t.Helper()
	m, err := BuildLocalMetadata(newMemStore(sessions...), time.UnixMilli(1))
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	for id, meta := range m.ChatSession {
		f.objects[SessionPath(testRoot, id)] = bytes.Clone(meta.Content)
	}
	data, err := EncodeMetadata(m)
	require.NoError(t, err)
	f.objects[ManifestPath(testRoot)] = data
	return m
}

// --- settings and tokens ---

type staticSettings struct {
	mu sync.Mutex
	s  settings.Settings
}

func newStaticSettings(frequency int, onLaunch bool) *staticSettings {
	s := settings.Default()
	s.Sync.Provider = settings.ProviderDropbox
	s.Sync.Frequency = frequency
	s.Sync.OnAppLaunch = onLaunch
	return &staticSettings{s: s}
}

func (p *staticSettings) Current() settings.Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s
}

func (p *staticSettings) setFrequency(f int) {
	p.mu.Lock()
	p.s.Sync.Frequency = f
	p.mu.Unlock()
}

type staticTokens struct {
	mu          sync.Mutex
	token       string
	err         error
	invalidated int
}

func (s *staticTokens) AccessToken(ctx context.Context, cfg settings.SyncConfig) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

func (s *staticTokens) Invalidate() {
	s.mu.Lock()
	s.invalidated++
	s.mu.Unlock()
}

// --- notifier and recorder ---

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.SyncPayload
}

func (n *recordingNotifier) Emit(event string, payload models.SyncPayload) {
	if event != models.EventSync {
		panic("unexpected event " + event)
	}
	n.mu.Lock()
	n.events = append(n.events, payload)
	n.mu.Unlock()
}

func (n *recordingNotifier) statuses() []models.SyncStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.SyncStatus, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Status)
	}
	return out
}

type memRecorder struct {
	mu        sync.Mutex
	runs      []state.SyncRun
	conflicts []state.ConflictRecord
}

func (r *memRecorder) SaveRun(run state.SyncRun) error {
	r.mu.Lock()
	r.runs = append(r.runs, run)
	r.mu.Unlock()
	return nil
}

func (r *memRecorder) SaveConflict(c state.ConflictRecord) error {
	r.mu.Lock()
	r.conflicts = append(r.conflicts, c)
	r.mu.Unlock()
	return nil
}

// --- harness ---

type harness struct {
	local    *memStore
	remote   *fakeRemote
	settings *staticSettings
	tokens   *staticTokens
	notifier *recordingNotifier
	recorder *memRecorder
	sync     *Synchronizer
}

func newHarness(t *testing.T, localSessions ...string) *harness {
	t.Helper()
	h := &harness{
		local:    newMemStore(localSessions...),
		remote:   newFakeRemote(),
		settings: newStaticSettings(0, false),
		tokens:   &staticTokens{token: "tok"},
		notifier: &recordingNotifier{},
		recorder: &memRecorder{},
	}
	h.sync = New(Config{
		Remote:   h.remote,
		Local:    h.local,
		Settings: h.settings,
		Tokens:   h.tokens,
		Notifier: h.notifier,
		Recorder: h.recorder,
		Logger:   quietLogger,
	})
	return h
}
