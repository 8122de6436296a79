package synchronization

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	runs  int
	err   error
	onRun func(n int)
}

func (r *fakeRunner) Synchronize(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	r.runs++
	n := r.runs
	err := r.err
	r.mu.Unlock()

	if r.onRun != nil {
		r.onRun(n)
	}

	if err != nil {
		return nil, err
	}

	return &Report{RunID: "run", Outcome: OutcomeNoChange}, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func newTestScheduler(runner Runner, settings SettingsProvider, notifier Notifier) *Scheduler {
	s := NewScheduler(runner, settings, notifier, quietLogger)
	s.unit = time.Millisecond
	return s
}

func runWithTimeout(t *testing.T, s *Scheduler, ctx context.Context) {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_LaunchOnlyWhenFrequencyZero(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner, newStaticSettings(0, true), nil)

	runWithTimeout(t, s, context.Background())
	assert.Equal(t, 1, runner.count())
}

func TestScheduler_DisabledDoesNothing(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner, newStaticSettings(0, false), nil)

	runWithTimeout(t, s, context.Background())
	assert.Equal(t, 0, runner.count())
}

func TestScheduler_PeriodicUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &fakeRunner{onRun: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	s := newTestScheduler(runner, newStaticSettings(5, false), nil)

	runWithTimeout(t, s, ctx)
	assert.Equal(t, 3, runner.count())
}

func TestScheduler_FrequencyReadEachCycle(t *testing.T) {
	settings := newStaticSettings(5, true)
	runner := &fakeRunner{onRun: func(n int) {
		if n == 2 {
			settings.setFrequency(0)
		}
	}}
	s := newTestScheduler(runner, settings, nil)

	runWithTimeout(t, s, context.Background())
	assert.Equal(t, 2, runner.count())
}

func TestScheduler_FailureEmitsError(t *testing.T) {
	notifier := &recordingNotifier{}
	runner := &fakeRunner{err: errors.New("remote unreachable")}
	s := newTestScheduler(runner, newStaticSettings(0, true), notifier)

	runWithTimeout(t, s, context.Background())

	require.Len(t, notifier.events, 1)
	ev := notifier.events[0]
	assert.Equal(t, models.StatusError, ev.Status)
	require.NotNil(t, ev.ErrorMessage)
	assert.Equal(t, "remote unreachable", *ev.ErrorMessage)
}

func TestScheduler_FailureAfterShutdownIsQuiet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := &recordingNotifier{}
	runner := &fakeRunner{
		err:   errors.New("interrupted"),
		onRun: func(int) { cancel() },
	}
	s := newTestScheduler(runner, newStaticSettings(5, true), notifier)

	runWithTimeout(t, s, ctx)
	assert.Equal(t, 1, runner.count())
	assert.Empty(t, notifier.events)
}

func TestScheduler_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &fakeRunner{}
	s := newTestScheduler(runner, newStaticSettings(5, true), nil)

	runWithTimeout(t, s, ctx)
	assert.Equal(t, 0, runner.count())
}

func TestScheduler_DrivesSynchronizer(t *testing.T) {
	h := newHarness(t, `{"id":"a"}`)
	h.settings.s.Sync.OnAppLaunch = true

	s := newTestScheduler(h.sync, h.settings, h.notifier)
	runWithTimeout(t, s, context.Background())

	assert.NotNil(t, h.remote.object(manifestPath))
	assert.Equal(t, doneEvents, h.notifier.statuses())
}

func TestScheduler_SynchronizerFailureIsNotified(t *testing.T) {
	h := newHarness(t, `{"id":"a"}`)
	h.settings.s.Sync.OnAppLaunch = true
	h.remote.checkErr = errors.New("401")

	s := newTestScheduler(h.sync, h.settings, h.notifier)
	runWithTimeout(t, s, context.Background())

	assert.Equal(t, []models.SyncStatus{
		models.StatusInProgress,
		models.StatusFinished,
		models.StatusError,
	}, h.notifier.statuses())
}
