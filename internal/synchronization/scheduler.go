package synchronization

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Runner starts one reconciliation. *Synchronizer satisfies it.
type Runner interface {
	Synchronize(ctx context.Context) (*Report, error)
}

// Scheduler triggers a Runner at the interval configured in settings.
type Scheduler struct {
	runner   Runner
	settings SettingsProvider
	notifier Notifier
	logger   *slog.Logger

	// unit is the length of one frequency step. Settings count seconds.
	unit time.Duration
}

// NewScheduler creates a Scheduler. Failed runs are reported on notifier
// as Error events, since a background run has no caller to return to.
func NewScheduler(runner Runner, settings SettingsProvider, notifier Notifier, logger *slog.Logger) *Scheduler {
	if notifier == nil {
		notifier = nopNotifier{}
	}

	return &Scheduler{
		runner:   runner,
		settings: settings,
		notifier: notifier,
		logger:   logger,
		unit:     time.Second,
	}
}

// Run runs once at start when on_app_launch is set, then sleeps for the
// configured frequency and runs again, re-reading the frequency every
// cycle. A frequency of zero stops the loop and Run returns nil, as does
// cancelling ctx. Runs never overlap: the next sleep starts only after
// the previous run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.settings.Current().Sync.OnAppLaunch {
		s.tick(ctx)
	}

	for {
		frequency := s.settings.Current().Sync.Frequency
		if frequency <= 0 {
			s.logger.Info("periodic sync disabled")
			return nil
		}

		timer := time.NewTimer(time.Duration(frequency) * s.unit)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		s.tick(ctx)
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	report, err := s.runner.Synchronize(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("periodic sync failed", slog.String("error", err.Error()))
		s.notifier.Emit(models.EventSync, models.ErrorPayload(err.Error()))

		return
	}

	s.logger.Debug("periodic sync done",
		slog.String("run_id", report.RunID),
		slog.String("outcome", string(report.Outcome)),
	)
}
