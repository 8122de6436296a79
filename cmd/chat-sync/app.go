package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/dropbox"
	"github.com/alexjbarnes/chat-sync/internal/events"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/settings"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/alexjbarnes/chat-sync/internal/synchronization"
)

// app holds everything a command needs, wired from the environment.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	state    *state.State
	settings *settings.Provider
	auth     *dropbox.Authenticator
	hub      *events.Hub
	syncer   *synchronization.Synchronizer

	logCloser io.Closer
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, logCloser := logging.NewLoggerWithFile(cfg.Environment, logging.FileOptions{
		Path:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
	})

	st, err := state.LoadAt(cfg.StateDB)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("loading state: %w", err)
	}

	sp, err := settings.Open(cfg.SettingsFile, logger)
	if err != nil {
		st.Close()
		logCloser.Close()
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		state:     st,
		settings:  sp,
		auth:      dropbox.NewAuthenticator(st, logger, dropbox.AuthOptions{}),
		hub:       events.NewHub(logger),
		logCloser: logCloser,
	}

	a.syncer = synchronization.New(synchronization.Config{
		Remote:               dropbox.NewClient(dropbox.Options{Root: cfg.DropboxRoot}),
		Local:                st,
		Settings:             sp,
		Tokens:               a.auth,
		Notifier:             a.hub,
		Recorder:             st,
		Logger:               logger,
		StrictRemoteManifest: cfg.StrictRemoteManifest,
	})

	return a, nil
}

func (a *app) Close() {
	a.hub.Close()

	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}

	_ = a.logCloser.Close()
}
