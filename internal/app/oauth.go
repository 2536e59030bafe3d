package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/semmidev/dbvault/internal/adapter/storage"
	"github.com/semmidev/dbvault/internal/domain"
	"github.com/semmidev/dbvault/internal/infrastructure/logger"
)

const (
	authPath     = "/auth/google/drive"
	callbackPath = "/auth/google/callback"
)

// DriveAuth runs the local OAuth consent flow that yields a Google Drive refresh token.
type DriveAuth struct {
	config *oauth2.Config
	logger *logger.Logger
	ln     net.Listener
	state  string
	tokens chan *oauth2.Token
}

// NewDriveAuth reads the OAuth client of a gdrive target. The callback is served on ln.
func NewDriveAuth(clientSecretFile string, ln net.Listener, log *logger.Logger) (*DriveAuth, error) {
	if clientSecretFile == "" {
		return nil, domain.ConfigError("gdrive target has no client_secret_file")
	}
	cfg, err := storage.DriveOAuthConfig(clientSecretFile)
	if err != nil {
		return nil, err
	}
	return newDriveAuth(cfg, ln, log), nil
}

func newDriveAuth(cfg *oauth2.Config, ln net.Listener, log *logger.Logger) *DriveAuth {
	cfg.RedirectURL = "http://" + ln.Addr().String() + callbackPath
	return &DriveAuth{
		config: cfg,
		logger: log,
		ln:     ln,
		state:  uuid.NewString(),
		tokens: make(chan *oauth2.Token, 1),
	}
}

// StartURL is the local page that redirects to Google's consent screen.
func (d *DriveAuth) StartURL() string {
	return "http://" + d.ln.Addr().String() + authPath
}

func (d *DriveAuth) AuthCodeURL() string {
	return d.config.AuthCodeURL(d.state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Run serves the flow until a token arrives or ctx is done.
func (d *DriveAuth) Run(ctx context.Context) (*oauth2.Token, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+authPath, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, d.AuthCodeURL(), http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("GET "+callbackPath, d.callback)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Infof("Google Drive OAuth server listening on %s", d.ln.Addr())
		errCh <- srv.Serve(d.ln)
	}()

	var (
		token *oauth2.Token
		err   error
	)
	select {
	case token = <-d.tokens:
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
		err = fmt.Errorf("OAuth server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		d.logger.Warnf("Failed to shutdown OAuth server: %v", serr)
	}
	return token, err
}

func (d *DriveAuth) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("state") != d.state {
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		return
	}

	token, err := d.config.Exchange(r.Context(), code)
	if err != nil {
		http.Error(w, fmt.Sprintf("token exchange failed: %v", err), http.StatusInternalServerError)
		return
	}
	if token.RefreshToken == "" {
		fmt.Fprintln(w, "⚠️ No refresh token returned. Revoke app access & re-authorize.")
		return
	}

	fmt.Fprintln(w, "✅ Authorized. Copy the refresh token from the terminal into refresh_token.")
	select {
	case d.tokens <- token:
	default:
	}
}
