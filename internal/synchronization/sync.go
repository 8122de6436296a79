package synchronization

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	syncerr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/google/uuid"
)

// Phase is the orchestrator's position in a run.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseLocked          Phase = "locked"
	PhaseAuthValidating  Phase = "auth_validating"
	PhaseMetadataLoading Phase = "metadata_loading"
	PhaseFirstSync       Phase = "first_sync"
	PhaseNoChange        Phase = "no_change"
	PhaseReconciling     Phase = "reconciling"
	PhaseRepublishing    Phase = "republishing"

	// PhaseErrorNotified is held after a failed run until the next run
	// takes the lock.
	PhaseErrorNotified Phase = "error"
)

// Outcome names which branch a successful run took.
type Outcome string

const (
	OutcomeFirstSync  Outcome = "first_sync"
	OutcomeNoChange   Outcome = "no_change"
	OutcomeReconciled Outcome = "reconciled"
)

// Report summarizes a successful run.
type Report struct {
	RunID          string   `json:"run_id"`
	Outcome        Outcome  `json:"outcome"`
	Uploaded       []string `json:"uploaded"`
	Downloaded     []string `json:"downloaded"`
	Conflicts      []string `json:"conflicts"`
	ReloadRequired bool     `json:"reload_required"`
}

// RunRecorder persists run history and preserved conflicts.
// *state.State satisfies it.
type RunRecorder interface {
	SaveRun(run state.SyncRun) error
	SaveConflict(c state.ConflictRecord) error
}

// Config wires a Synchronizer to its collaborators. Notifier and
// Recorder are optional.
type Config struct {
	Remote   RemoteStore
	Local    LocalStore
	Settings SettingsProvider
	Tokens   TokenSource
	Notifier Notifier
	Recorder RunRecorder
	Logger   *slog.Logger

	// StrictRemoteManifest makes transport failures while loading the
	// remote manifest fatal instead of treating the manifest as absent.
	StrictRemoteManifest bool
}

// Synchronizer runs reconciliations between the local store and the
// remote store. Manual and periodic triggers share one Synchronizer, and
// its lock keeps their runs from interleaving.
type Synchronizer struct {
	remote   RemoteStore
	local    LocalStore
	settings SettingsProvider
	tokens   TokenSource
	notifier Notifier
	recorder RunRecorder
	logger   *slog.Logger
	strict   bool

	lock *Lock
	now  func() time.Time

	mu    sync.RWMutex
	phase Phase
}

// New creates a Synchronizer.
func New(cfg Config) *Synchronizer {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Synchronizer{
		remote:   cfg.Remote,
		local:    cfg.Local,
		settings: cfg.Settings,
		tokens:   cfg.Tokens,
		notifier: notifier,
		recorder: cfg.Recorder,
		logger:   logger,
		strict:   cfg.StrictRemoteManifest,
		lock:     NewLock(notifier),
		now:      time.Now,
		phase:    PhaseIdle,
	}
}

// Phase returns the current phase.
func (s *Synchronizer) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.phase
}

func (s *Synchronizer) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Synchronize runs one reconciliation. It waits for any run already in
// progress; ctx bounds that wait. Once the access token is validated the
// run no longer observes ctx and completes or fails on its own.
//
// The lock emits InProgress and Finished. RequireReload follows Finished
// when the run wrote downloaded sessions into the local store. Errors are
// returned, not emitted; the caller decides how to surface them.
func (s *Synchronizer) Synchronize(ctx context.Context) (*Report, error) {
	report, err := s.synchronizeLocked(ctx)
	if err != nil {
		return nil, err
	}

	if report.ReloadRequired {
		s.notifier.Emit(models.EventSync, models.SyncPayload{Status: models.StatusRequireReload})
	}

	return report, nil
}

func (s *Synchronizer) synchronizeLocked(ctx context.Context) (report *Report, err error) {
	guard, err := s.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	run := state.SyncRun{
		ID:        uuid.NewString(),
		StartedAt: s.now(),
	}
	logger := s.logger.With(slog.String("run_id", run.ID))

	s.setPhase(PhaseLocked)
	logger.Info("sync started")

	defer func() {
		run.FinishedAt = s.now()

		if err != nil {
			s.setPhase(PhaseErrorNotified)
			run.Error = err.Error()
			logger.Error("sync failed",
				slog.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)),
				slog.String("error", err.Error()),
			)
		} else if report != nil {
			s.setPhase(PhaseIdle)
			run.Outcome = string(report.Outcome)
			run.Uploaded = report.Uploaded
			run.Downloaded = report.Downloaded
			run.Conflicts = report.Conflicts
			logger.Info("sync finished",
				slog.String("outcome", run.Outcome),
				slog.Int("uploaded", len(report.Uploaded)),
				slog.Int("downloaded", len(report.Downloaded)),
				slog.Int("conflicts", len(report.Conflicts)),
				slog.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)),
			)
		}

		s.recordRun(logger, run)
	}()

	report, err = s.run(ctx, logger)
	if err != nil {
		return nil, err
	}

	report.RunID = run.ID

	return report, nil
}

func (s *Synchronizer) run(ctx context.Context, logger *slog.Logger) (*Report, error) {
	s.setPhase(PhaseAuthValidating)

	token, err := s.tokens.AccessToken(ctx, s.settings.Current().Sync)
	if err != nil {
		return nil, fmt.Errorf("resolving access token: %w", err)
	}

	if err := s.remote.Check(ctx, token); err != nil {
		s.tokens.Invalidate()
		return nil, fmt.Errorf("validating access token: %w", err)
	}

	// Past this point a half-finished run would leave the two sides out
	// of step until the next run, so caller cancellation is ignored.
	ctx = context.WithoutCancel(ctx)

	s.setPhase(PhaseMetadataLoading)

	local, err := BuildLocalMetadata(s.local, s.now())
	if err != nil {
		return nil, fmt.Errorf("building local manifest: %w", err)
	}

	remote, err := s.loadRemote(ctx, logger, token)
	if err != nil {
		return nil, err
	}

	switch {
	case remote.IsAbsent():
		s.setPhase(PhaseFirstSync)
		return s.firstSync(ctx, logger, token, local)

	case remote.Hash == local.Hash:
		s.setPhase(PhaseNoChange)
		logger.Info("sync: no changes", slog.Int("sessions", len(local.ChatSession)))

		return &Report{Outcome: OutcomeNoChange}, nil
	}

	s.setPhase(PhaseReconciling)

	return s.reconcile(ctx, logger, token, local, remote)
}

// loadRemote fetches the remote manifest. Unless strict, every failure is
// treated as "no manifest yet".
func (s *Synchronizer) loadRemote(ctx context.Context, logger *slog.Logger, token string) (SyncMetadata, error) {
	m, err := fetchRemoteMetadata(ctx, s.remote, token)
	if err == nil {
		return m, nil
	}

	if s.strict && !manifestAbsent(err) {
		return SyncMetadata{}, fmt.Errorf("loading remote manifest: %w", err)
	}

	logger.Info("sync: remote manifest unavailable, treating as first sync", slog.String("reason", err.Error()))

	return AbsentMetadata(), nil
}

// firstSync pushes every local session and then the manifest.
func (s *Synchronizer) firstSync(ctx context.Context, logger *slog.Logger, token string, local SyncMetadata) (*Report, error) {
	ids := local.SortedIDs()

	logger.Info("sync: first sync", slog.Int("sessions", len(ids)))

	if err := s.uploadSessions(ctx, token, ids, local); err != nil {
		return nil, err
	}

	s.setPhase(PhaseRepublishing)

	if err := s.publishManifest(ctx, token, local); err != nil {
		return nil, err
	}

	return &Report{Outcome: OutcomeFirstSync, Uploaded: ids}, nil
}

// reconcile applies the plan: downloads first, then uploads, then the
// rebuilt manifest. A failure at any step leaves the remote manifest
// untouched, so it never lists sessions that were not uploaded.
func (s *Synchronizer) reconcile(ctx context.Context, logger *slog.Logger, token string, local, remote SyncMetadata) (*Report, error) {
	plan := ComputePlan(local, remote)

	logger.Info("sync: plan computed",
		slog.Int("download", len(plan.ToDownload)),
		slog.Int("upload", len(plan.ToUpload)),
		slog.Int("conflicts", len(plan.Conflicts)),
	)

	var downloaded []ChatSessionMetadata

	if len(plan.ToDownload) > 0 {
		var err error

		downloaded, err = s.downloadSessions(ctx, logger, token, plan.ToDownload, remote)
		if err != nil {
			return nil, err
		}
	}

	s.preserveConflicts(ctx, logger, token, plan.Conflicts, local, remote)

	if err := s.uploadSessions(ctx, token, plan.ToUpload, local); err != nil {
		return nil, err
	}

	s.setPhase(PhaseRepublishing)

	published, err := publishedMetadata(local, downloaded, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.publishManifest(ctx, token, published); err != nil {
		return nil, err
	}

	return &Report{
		Outcome:        OutcomeReconciled,
		Uploaded:       plan.ToUpload,
		Downloaded:     plan.ToDownload,
		Conflicts:      plan.Conflicts,
		ReloadRequired: len(plan.ToDownload) > 0,
	}, nil
}

// downloadSessions fetches every listed session and writes them into the
// local store in one update. Nothing is written unless every body
// downloads and validates. It returns the fingerprints of the bodies it
// wrote.
func (s *Synchronizer) downloadSessions(ctx context.Context, logger *slog.Logger, token string, ids []string, remote SyncMetadata) ([]ChatSessionMetadata, error) {
	root := s.remote.RootPath()
	incoming := make([]incomingSession, 0, len(ids))
	fetched := make([]ChatSessionMetadata, 0, len(ids))

	for _, id := range ids {
		body, err := s.remote.Download(ctx, token, SessionPath(root, id))
		if err != nil {
			return nil, fmt.Errorf("downloading session %s: %w", id, err)
		}

		if err := validateSession(id, body); err != nil {
			return nil, err
		}

		meta, err := sessionMetadata(body)
		if err != nil {
			return nil, fmt.Errorf("downloaded %w", err)
		}

		if meta.Hash != remote.ChatSession[id].Hash {
			logger.Warn("sync: downloaded session does not match remote manifest",
				slog.String("session", id),
				slog.String("manifest_hash", remote.ChatSession[id].Hash),
				slog.String("content_hash", meta.Hash),
			)
		}

		incoming = append(incoming, incomingSession{id: id, body: body})
		fetched = append(fetched, meta)
	}

	existing, err := s.local.Get(SessionsKey)
	if err != nil {
		return nil, fmt.Errorf("reading local sessions: %w", err)
	}

	merged, err := mergeSessions(existing, incoming)
	if err != nil {
		return nil, fmt.Errorf("merging downloaded sessions: %w", err)
	}

	if err := s.local.Set(SessionsKey, merged); err != nil {
		return nil, fmt.Errorf("writing local sessions: %w", err)
	}

	logger.Info("sync: sessions downloaded", slog.Int("count", len(incoming)))

	return fetched, nil
}

// publishedMetadata describes what this run left on the remote: the
// local fingerprints taken at the start of the run, with downloaded
// sessions replaced by the bodies actually fetched. The local store is
// not re-read; edits made during the run belong to the next run.
func publishedMetadata(local SyncMetadata, downloaded []ChatSessionMetadata, now time.Time) (SyncMetadata, error) {
	m := SyncMetadata{
		LastSync:    now.UnixMilli(),
		ChatSession: make(map[string]ChatSessionMetadata, len(local.ChatSession)+len(downloaded)),
	}

	for id, meta := range local.ChatSession {
		m.ChatSession[id] = meta
	}

	for _, meta := range downloaded {
		m.ChatSession[meta.ID] = meta
	}

	var err error

	m.Hash, err = aggregateHash(m.ChatSession)
	if err != nil {
		return SyncMetadata{}, err
	}

	return m, nil
}

// uploadSessions sends each listed session body verbatim.
func (s *Synchronizer) uploadSessions(ctx context.Context, token string, ids []string, local SyncMetadata) error {
	root := s.remote.RootPath()

	for _, id := range ids {
		meta, ok := local.ChatSession[id]
		if !ok || len(meta.Content) == 0 {
			return fmt.Errorf("uploading session %s: %w", id, syncerr.ErrContentMissing)
		}

		if err := s.remote.Upload(ctx, token, SessionPath(root, id), meta.Content); err != nil {
			return fmt.Errorf("uploading session %s: %w", id, err)
		}
	}

	return nil
}

func (s *Synchronizer) publishManifest(ctx context.Context, token string, m SyncMetadata) error {
	data, err := EncodeMetadata(m)
	if err != nil {
		return err
	}

	if err := s.remote.Upload(ctx, token, ManifestPath(s.remote.RootPath()), data); err != nil {
		return fmt.Errorf("uploading manifest: %w", err)
	}

	return nil
}

// preserveConflicts keeps a patch of the remote side of every session
// that is about to be overwritten without either side being newer.
// Failures are logged; the run continues with local winning.
func (s *Synchronizer) preserveConflicts(ctx context.Context, logger *slog.Logger, token string, ids []string, local, remote SyncMetadata) {
	root := s.remote.RootPath()

	for _, id := range ids {
		logger.Warn("sync: conflicting edits, keeping local copy",
			slog.String("session", id),
			slog.String("local_hash", local.ChatSession[id].Hash),
			slog.String("remote_hash", remote.ChatSession[id].Hash),
		)

		if s.recorder == nil {
			continue
		}

		body, err := s.remote.Download(ctx, token, SessionPath(root, id))
		if err != nil {
			logger.Warn("sync: could not fetch remote side of conflict",
				slog.String("session", id),
				slog.String("error", err.Error()),
			)

			continue
		}

		patch, err := conflictPatch(local.ChatSession[id].Content, body)
		if err != nil {
			logger.Warn("sync: could not diff conflict",
				slog.String("session", id),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := s.recorder.SaveConflict(state.ConflictRecord{
			ID:         id,
			LocalHash:  local.ChatSession[id].Hash,
			RemoteHash: remote.ChatSession[id].Hash,
			DetectedAt: s.now(),
			Patch:      patch,
		}); err != nil {
			logger.Warn("sync: could not save conflict",
				slog.String("session", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Synchronizer) recordRun(logger *slog.Logger, run state.SyncRun) {
	if s.recorder == nil {
		return
	}

	if err := s.recorder.SaveRun(run); err != nil {
		logger.Warn("saving run record failed", slog.String("error", err.Error()))
	}
}
