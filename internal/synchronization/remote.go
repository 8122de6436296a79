package synchronization

import (
	"context"
	"errors"
	"fmt"

	syncerr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/settings"
	"golang.org/x/text/unicode/norm"
)

const (
	manifestName = "sync_metadata.json"
	sessionsDir  = "chat_sessions"
)

// RemoteStore is the object store sessions and the manifest are kept in.
// Download of a missing object returns an error wrapping ErrNotFound.
// Upload overwrites.
type RemoteStore interface {
	Check(ctx context.Context, token string) error
	Download(ctx context.Context, token, path string) ([]byte, error)
	Upload(ctx context.Context, token, path string, data []byte) error
	RootPath() string
}

// SettingsProvider yields the current sync settings.
type SettingsProvider interface {
	Current() settings.Settings
}

// TokenSource resolves a bearer token for the configured provider.
// Invalidate discards any cached token.
type TokenSource interface {
	AccessToken(ctx context.Context, cfg settings.SyncConfig) (string, error)
	Invalidate()
}

// Notifier is the fire-and-forget UI notification channel.
type Notifier interface {
	Emit(event string, payload models.SyncPayload)
}

type nopNotifier struct{}

func (nopNotifier) Emit(string, models.SyncPayload) {}

// SessionPath returns the remote location of a session document. IDs are
// NFC-normalized so the same visible name maps to one object.
func SessionPath(root, id string) string {
	return root + "/" + sessionsDir + "/" + norm.NFC.String(id) + ".json"
}

// ManifestPath returns the remote location of the manifest.
func ManifestPath(root string) string {
	return root + "/" + manifestName
}

// fetchRemoteMetadata downloads and parses the manifest, returning every
// failure unfiltered.
func fetchRemoteMetadata(ctx context.Context, remote RemoteStore, token string) (SyncMetadata, error) {
	data, err := remote.Download(ctx, token, ManifestPath(remote.RootPath()))
	if err != nil {
		return SyncMetadata{}, err
	}

	return ParseMetadata(data)
}

// manifestAbsent reports whether err means "there is no usable manifest"
// rather than "the manifest could not be reached".
func manifestAbsent(err error) bool {
	return errors.Is(err, syncerr.ErrNotFound) || errors.Is(err, syncerr.ErrParse)
}

// LoadRemoteMetadata returns the remote manifest, or the absent sentinel
// when it cannot be downloaded or parsed for any reason. A missing
// manifest is the normal first-run state, and at this layer an
// unreachable one looks the same.
func LoadRemoteMetadata(ctx context.Context, remote RemoteStore, token string) SyncMetadata {
	m, err := fetchRemoteMetadata(ctx, remote, token)
	if err != nil {
		return AbsentMetadata()
	}

	return m
}

// LoadRemoteMetadataStrict is LoadRemoteMetadata that only treats a
// missing or malformed manifest as absent. Transport and auth failures
// are returned.
func LoadRemoteMetadataStrict(ctx context.Context, remote RemoteStore, token string) (SyncMetadata, error) {
	m, err := fetchRemoteMetadata(ctx, remote, token)
	if err == nil {
		return m, nil
	}

	if manifestAbsent(err) {
		return AbsentMetadata(), nil
	}

	return SyncMetadata{}, fmt.Errorf("loading remote manifest: %w", err)
}
