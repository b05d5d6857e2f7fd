package notification

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/mikeyg42/sentinel/internal/config"
	"github.com/mikeyg42/sentinel/internal/crypto"
)

const defaultOAuthTimeout = 5 * time.Minute

func oauthConfig(cfg config.GmailConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{gmail.GmailSendScope},
	}
}

// GmailMailer sends alert mail through the Gmail API using a sealed OAuth2
// token obtained once with AuthorizeGmail.
type GmailMailer struct {
	svc  *gmail.Service
	from string
}

var _ Mailer = (*GmailMailer)(nil)

// NewGmailMailer loads the sealed token from cfg.TokenPath. opts are passed
// to the Gmail client after the token source.
func NewGmailMailer(ctx context.Context, cfg config.GmailConfig, opts ...option.ClientOption) (*GmailMailer, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("Gmail OAuth2 ClientID/ClientSecret are required")
	}

	token, err := loadSealedToken(cfg.TokenPath, cfg.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("load Gmail token (run `sentinel gmail-auth` first): %w", err)
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, errors.New("invalid token: missing access and refresh tokens")
	}

	src := &sealingTokenSource{
		base: oauthConfig(cfg).TokenSource(ctx, token),
		path: cfg.TokenPath,
		key:  cfg.TokenKey,
		last: token.AccessToken,
	}
	clientOpts := append([]option.ClientOption{option.WithTokenSource(oauth2.ReuseTokenSource(token, src))}, opts...)
	svc, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init Gmail service: %w", err)
	}
	return &GmailMailer{svc: svc, from: cfg.From}, nil
}

func (g *GmailMailer) Send(ctx context.Context, msg *Message) error {
	if msg.From == "" {
		msg.From = g.from
	}
	raw, err := BuildMIMEMessage(msg)
	if err != nil {
		return permanent(fmt.Errorf("failed to build MIME message: %w", err))
	}
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
	_, err = g.svc.Users.Messages.Send("me", &gmail.Message{Raw: encoded}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}
	return nil
}

// sealingTokenSource re-seals the token on disk whenever it is refreshed.
type sealingTokenSource struct {
	base oauth2.TokenSource
	path string
	key  string

	mu   sync.Mutex
	last string
}

func (s *sealingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := saveSealedToken(s.path, tok, s.key); err != nil {
			return nil, err
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}

func loadSealedToken(path, key string) (*oauth2.Token, error) {
	plaintext, err := crypto.OpenFile(path, key)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(plaintext, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return &tok, nil
}

func saveSealedToken(path string, tok *oauth2.Token, key string) error {
	plaintext, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := crypto.SealFile(path, plaintext, key); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// AuthorizeGmail runs the one-time consent flow: it prints the consent URL
// to out, waits for Google to redirect to the local callback, exchanges the
// code and seals the token to cfg.TokenPath.
func AuthorizeGmail(ctx context.Context, cfg config.GmailConfig, out io.Writer) error {
	oc := oauthConfig(cfg)
	redirect, err := url.Parse(oc.RedirectURL)
	if err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("failed to bind OAuth callback listener: %w", err)
	}
	defer listener.Close()

	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return fmt.Errorf("failed to generate state token: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(stateBytes)

	authURL := oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(out, "Visit this URL to authorize Gmail sending:\n\n%s\n\nWaiting for authorization...\n", authURL)

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != redirect.Path {
				http.NotFound(w, r)
				return
			}
			if r.FormValue("state") != state {
				http.Error(w, "Invalid state parameter", http.StatusBadRequest)
				errCh <- errors.New("OAuth state mismatch")
				return
			}
			if e := r.FormValue("error"); e != "" {
				http.Error(w, "Authorization failed: "+e, http.StatusBadRequest)
				errCh <- fmt.Errorf("OAuth provider error: %s", e)
				return
			}
			code := r.FormValue("code")
			if code == "" {
				http.Error(w, "Missing authorization code", http.StatusBadRequest)
				errCh <- errors.New("missing OAuth authorization code")
				return
			}
			fmt.Fprint(w, "Authorization complete. You can close this window.")
			codeCh <- code
		}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(listener) }()
	defer srv.Close()

	waitCtx, cancel := context.WithTimeout(ctx, defaultOAuthTimeout)
	defer cancel()

	var code string
	select {
	case <-waitCtx.Done():
		return errors.New("OAuth authorization timeout")
	case err := <-errCh:
		return err
	case code = <-codeCh:
	}

	tok, err := oc.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("token exchange failed: %w", err)
	}
	if err := saveSealedToken(cfg.TokenPath, tok, cfg.TokenKey); err != nil {
		return err
	}
	fmt.Fprintf(out, "Token sealed to %s\n", cfg.TokenPath)
	return nil
}
