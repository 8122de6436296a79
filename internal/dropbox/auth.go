package dropbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	syncerr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/settings"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"golang.org/x/oauth2"
)

const (
	defaultAuthURL  = "https://www.dropbox.com/oauth2/authorize"
	defaultTokenURL = "https://api.dropboxapi.com/oauth2/token"

	// expiryMargin refreshes a cached token this long before it expires
	// so a run never starts with a token about to lapse.
	expiryMargin = time.Minute
)

// TokenCache persists the most recent access token. *state.State
// satisfies it.
type TokenCache interface {
	CachedToken() (*state.CachedToken, error)
	SetCachedToken(ct state.CachedToken) error
	ClearCachedToken() error
}

// Authenticator mints short-lived Dropbox access tokens from the refresh
// token stored in settings.
type Authenticator struct {
	cache      TokenCache
	httpClient *http.Client
	logger     *slog.Logger
	authURL    string
	tokenURL   string
	now        func() time.Time
}

// AuthOptions overrides Authenticator defaults.
type AuthOptions struct {
	HTTPClient *http.Client
	AuthURL    string
	TokenURL   string
}

// NewAuthenticator creates an Authenticator that caches tokens in cache.
func NewAuthenticator(cache TokenCache, logger *slog.Logger, opts AuthOptions) *Authenticator {
	a := &Authenticator{
		cache:      cache,
		httpClient: opts.HTTPClient,
		logger:     logger,
		authURL:    opts.AuthURL,
		tokenURL:   opts.TokenURL,
		now:        time.Now,
	}

	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	if a.authURL == "" {
		a.authURL = defaultAuthURL
	}

	if a.tokenURL == "" {
		a.tokenURL = defaultTokenURL
	}

	return a
}

func (a *Authenticator) oauthConfig(cfg settings.DropboxConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   a.authURL,
			TokenURL:  a.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AccessToken returns a bearer token for the configured provider,
// reusing the cached one while it is still valid.
func (a *Authenticator) AccessToken(ctx context.Context, cfg settings.SyncConfig) (string, error) {
	if cfg.Provider != settings.ProviderDropbox {
		return "", fmt.Errorf("%w: provider is %q", syncerr.ErrProviderNotConfigured, cfg.Provider)
	}

	dbx := cfg.Providers.Dropbox
	if dbx.ClientID == "" {
		return "", fmt.Errorf("%w: dropbox client_id is not set", syncerr.ErrProviderNotConfigured)
	}

	if dbx.RefreshToken == "" {
		return "", fmt.Errorf("%w: no dropbox refresh token, run chat-sync login", syncerr.ErrAuthFailure)
	}

	refreshHash := hashRefreshToken(dbx.RefreshToken)

	cached, err := a.cache.CachedToken()
	if err != nil {
		a.logger.Warn("reading cached token failed", slog.String("error", err.Error()))
	} else if cached != nil && cached.RefreshHash == refreshHash && a.now().Add(expiryMargin).Before(cached.Expiry) {
		return cached.AccessToken, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)

	tok, err := a.oauthConfig(dbx).TokenSource(ctx, &oauth2.Token{RefreshToken: dbx.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("%w: refreshing dropbox token: %w", syncerr.ErrAuthFailure, err)
	}

	if err := a.cache.SetCachedToken(state.CachedToken{
		AccessToken: tok.AccessToken,
		RefreshHash: refreshHash,
		Expiry:      tok.Expiry,
	}); err != nil {
		a.logger.Warn("caching token failed", slog.String("error", err.Error()))
	}

	a.logger.Debug("dropbox access token refreshed", slog.Time("expiry", tok.Expiry))

	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next AccessToken call
// refreshes it.
func (a *Authenticator) Invalidate() {
	if err := a.cache.ClearCachedToken(); err != nil {
		a.logger.Warn("clearing cached token failed", slog.String("error", err.Error()))
	}
}

// LoginURL returns the page where the user authorizes the app and
// receives a one-time code for Exchange.
func (a *Authenticator) LoginURL(cfg settings.DropboxConfig) string {
	return a.oauthConfig(cfg).AuthCodeURL("", oauth2.SetAuthURLParam("token_access_type", "offline"))
}

// Exchange trades an authorization code for tokens. The result carries
// the long-lived refresh token to store in settings.
func (a *Authenticator) Exchange(ctx context.Context, cfg settings.DropboxConfig, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)

	tok, err := a.oauthConfig(cfg).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: exchanging authorization code: %w", syncerr.ErrAuthFailure, err)
	}

	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: dropbox returned no refresh token", syncerr.ErrAuthFailure)
	}

	return tok, nil
}

func hashRefreshToken(rt string) string {
	sum := sha256.Sum256([]byte(rt))
	return hex.EncodeToString(sum[:])
}
