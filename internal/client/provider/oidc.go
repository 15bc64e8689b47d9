package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/dmitrijs2005/gymportal/internal/client/models"
	"github.com/dmitrijs2005/gymportal/internal/logging"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
)

// Config describes the OIDC issuer and this client's registration.
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// RevocationURL overrides the revocation_endpoint from discovery.
	RevocationURL string
	// RefreshMargin is how long before access token expiry the session is
	// refreshed.
	RefreshMargin time.Duration
}

// OIDCProvider implements Provider and PasswordAuthenticator against an
// OpenID Connect issuer. Discovery happens lazily on first use.
type OIDCProvider struct {
	cfg        Config
	httpClient *http.Client
	log        logging.Logger
	now        func() time.Time
	verifyCfg  oidc.Config
	retryDelay time.Duration

	subs subscribers

	discoverMu sync.Mutex
	oidc       *oidc.Provider
	verifier   *oidc.IDTokenVerifier
	oauth      *oauth2.Config
	revokeURL  string

	mu            sync.Mutex
	session       *models.ProviderSession
	stopRefresher context.CancelFunc
}

var (
	_ Provider              = (*OIDCProvider)(nil)
	_ PasswordAuthenticator = (*OIDCProvider)(nil)
)

type Option func(*OIDCProvider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *OIDCProvider) { p.httpClient = c }
}

func WithClock(now func() time.Time) Option {
	return func(p *OIDCProvider) { p.now = now }
}

// WithVerifierConfig adjusts ID token verification. ClientID is always set
// from Config.
func WithVerifierConfig(fn func(*oidc.Config)) Option {
	return func(p *OIDCProvider) { fn(&p.verifyCfg) }
}

// WithRetryDelay sets the base delay between refresh attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(p *OIDCProvider) { p.retryDelay = d }
}

func NewOIDCProvider(cfg Config, log logging.Logger, opts ...Option) *OIDCProvider {
	p := &OIDCProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log.With("component", "provider"),
		now:        time.Now,
		retryDelay: time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	p.verifyCfg.ClientID = cfg.ClientID
	if p.verifyCfg.Now == nil {
		p.verifyCfg.Now = p.now
	}
	return p
}

func (p *OIDCProvider) Subscribe(fn func(Event)) func() {
	return p.subs.add(fn)
}

func (p *OIDCProvider) GetCurrentSession(ctx context.Context) (*models.ProviderSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil, nil
	}
	s := *p.session
	return &s, nil
}

// SignInWithPassword uses the resource owner password grant.
func (p *OIDCProvider) SignInWithPassword(ctx context.Context, email, password string) (*models.ProviderSession, error) {
	if err := p.discover(ctx); err != nil {
		return nil, err
	}

	tok, err := p.oauth.PasswordCredentialsToken(p.clientContext(ctx), email, password)
	if err != nil {
		return nil, classifyTokenError(err)
	}

	sess, err := p.sessionFromToken(ctx, tok, nil)
	if err != nil {
		return nil, err
	}

	p.adopt(sess)
	p.log.Info(ctx, "signed in", "user_id", sess.UserID)
	p.subs.emit(Event{Kind: EventSignedIn, Session: sess})
	return copySession(sess), nil
}

func (p *OIDCProvider) SetSession(ctx context.Context, accessToken, refreshToken string) (*models.ProviderSession, error) {
	if err := p.discover(ctx); err != nil {
		return nil, err
	}

	ui, err := p.oidc.UserInfo(p.clientContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	if err == nil {
		sess := &models.ProviderSession{
			UserID:       ui.Subject,
			Email:        ui.Email,
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    accessTokenExpiry(accessToken),
		}
		p.adopt(sess)
		return copySession(sess), nil
	}

	if err := classifyUserInfoError(err); !errors.Is(err, ErrRejected) {
		return nil, err
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: access token not accepted", ErrRejected)
	}

	p.log.Debug(ctx, "access token not accepted, refreshing")
	tok, err := p.refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	sess, err := p.sessionFromToken(ctx, tok, nil)
	if err != nil {
		return nil, err
	}
	p.adopt(sess)
	p.subs.emit(Event{Kind: EventTokenRefreshed, Session: sess})
	return copySession(sess), nil
}

// SignOut drops the live session, emits EventSignedOut and revokes the
// refresh token. The local session is gone even when revocation fails.
func (p *OIDCProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	sess := p.session
	p.session = nil
	if p.stopRefresher != nil {
		p.stopRefresher()
		p.stopRefresher = nil
	}
	p.mu.Unlock()

	if sess == nil {
		return ErrNoActiveSession
	}

	p.log.Info(ctx, "signed out", "user_id", sess.UserID)
	p.subs.emit(Event{Kind: EventSignedOut})

	return p.revoke(ctx, sess.RefreshToken)
}

// UpdateEmail records an email change reported out of band and emits
// EventUserUpdated.
func (p *OIDCProvider) UpdateEmail(ctx context.Context, email string) error {
	p.mu.Lock()
	if p.session == nil {
		p.mu.Unlock()
		return ErrNoActiveSession
	}
	p.session.Email = email
	sess := copySession(p.session)
	p.mu.Unlock()

	p.subs.emit(Event{Kind: EventUserUpdated, Session: sess})
	return nil
}

// Close stops the background refresher.
func (p *OIDCProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopRefresher != nil {
		p.stopRefresher()
		p.stopRefresher = nil
	}
}

func (p *OIDCProvider) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, p.httpClient)
}

func (p *OIDCProvider) discover(ctx context.Context) error {
	p.discoverMu.Lock()
	defer p.discoverMu.Unlock()

	if p.oidc != nil {
		return nil
	}

	op, err := oidc.NewProvider(p.clientContext(ctx), p.cfg.IssuerURL)
	if err != nil {
		return fmt.Errorf("%w: discovery: %w", ErrUnavailable, err)
	}

	var extra struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := op.Claims(&extra); err != nil {
		return fmt.Errorf("%w: discovery claims: %w", ErrUnavailable, err)
	}

	p.oidc = op
	p.verifier = op.Verifier(&p.verifyCfg)
	p.oauth = &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     op.Endpoint(),
		Scopes:       p.cfg.Scopes,
	}
	p.revokeURL = extra.RevocationEndpoint
	if p.cfg.RevocationURL != "" {
		p.revokeURL = p.cfg.RevocationURL
	}
	return nil
}

func (p *OIDCProvider) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	// An empty access token forces the token source to use the refresh grant.
	ts := p.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// sessionFromToken builds a session from a token response. Identity comes
// from the verified ID token when present, then from the access token
// claims, then from the userinfo endpoint. prev fills gaps on refresh.
func (p *OIDCProvider) sessionFromToken(ctx context.Context, tok *oauth2.Token, prev *models.ProviderSession) (*models.ProviderSession, error) {
	sess := &models.ProviderSession{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}

	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		idt, err := p.verifier.Verify(p.clientContext(ctx), raw)
		if err != nil {
			return nil, fmt.Errorf("%w: id token: %w", ErrRejected, err)
		}
		var c struct {
			Email string `json:"email"`
		}
		if err := idt.Claims(&c); err != nil {
			return nil, fmt.Errorf("%w: id token claims: %w", ErrRejected, err)
		}
		sess.UserID, sess.Email = idt.Subject, c.Email
	}

	if c, ok := parseAccessClaims(tok.AccessToken); ok {
		if sess.UserID == "" {
			sess.UserID = c.Subject
		}
		if sess.Email == "" {
			sess.Email = c.Email
		}
		if sess.ExpiresAt.IsZero() && c.ExpiresAt != nil {
			sess.ExpiresAt = c.ExpiresAt.Time
		}
	}

	if prev != nil {
		if sess.UserID == "" {
			sess.UserID = prev.UserID
		}
		if sess.Email == "" {
			sess.Email = prev.Email
		}
	}

	if sess.UserID == "" {
		ui, err := p.oidc.UserInfo(p.clientContext(ctx), oauth2.StaticTokenSource(tok))
		if err != nil {
			return nil, classifyUserInfoError(err)
		}
		sess.UserID, sess.Email = ui.Subject, ui.Email
	}
	return sess, nil
}

// adopt makes sess the live session and restarts the refresher for it.
func (p *OIDCProvider) adopt(sess *models.ProviderSession) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopRefresher != nil {
		p.stopRefresher()
		p.stopRefresher = nil
	}
	p.session = sess

	if sess.ExpiresAt.IsZero() || sess.RefreshToken == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.stopRefresher = cancel
	go p.refreshLoop(ctx, sess)
}

// refreshLoop refreshes sess shortly before it expires. A rejected refresh
// ends the session; an unreachable provider is retried with backoff.
func (p *OIDCProvider) refreshLoop(ctx context.Context, sess *models.ProviderSession) {
	for {
		wait := sess.ExpiresAt.Sub(p.now()) - p.cfg.RefreshMargin
		t := time.NewTimer(max(wait, 0))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		b := retry.WithMaxRetries(3, retry.NewExponential(p.retryDelay))
		tok, err := retry.DoValue(ctx, b, func(ctx context.Context) (*oauth2.Token, error) {
			tok, err := p.refresh(ctx, sess.RefreshToken)
			if errors.Is(err, ErrUnavailable) {
				return nil, retry.RetryableError(err)
			}
			return tok, err
		})
		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, ErrRejected):
			p.log.Warn(ctx, "refresh rejected, ending session", "error", err)
			if p.replace(ctx, sess, nil) {
				p.subs.emit(Event{Kind: EventSignedOut})
			}
			return
		case err != nil:
			p.log.Warn(ctx, "refresh failed, will retry", "error", err)
			// schedule the next attempt 30s from now
			sess = copySession(sess)
			sess.ExpiresAt = p.now().Add(p.cfg.RefreshMargin + 30*time.Second)
			continue
		}

		next, err := p.sessionFromToken(ctx, tok, sess)
		if err != nil {
			p.log.Warn(ctx, "refreshed token unusable", "error", err)
			return
		}
		if !p.replace(ctx, sess, next) {
			return
		}
		p.log.Debug(ctx, "token refreshed", "user_id", next.UserID)
		p.subs.emit(Event{Kind: EventTokenRefreshed, Session: next})
		sess = next
	}
}

// replace swaps the live session from old to next unless it was changed
// or the refresher was cancelled meanwhile.
func (p *OIDCProvider) replace(ctx context.Context, old, next *models.ProviderSession) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil || p.session == nil || p.session.UserID != old.UserID {
		return false
	}
	p.session = next
	if next == nil && p.stopRefresher != nil {
		p.stopRefresher()
		p.stopRefresher = nil
	}
	return true
}

// revoke performs RFC 7009 token revocation when an endpoint is known.
func (p *OIDCProvider) revoke(ctx context.Context, refreshToken string) error {
	if p.revokeURL == "" || refreshToken == "" {
		return nil
	}

	form := url.Values{
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(p.cfg.ClientID), url.QueryEscape(p.cfg.ClientSecret))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: revoke: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: revoke: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func parseAccessClaims(token string) (*accessClaims, bool) {
	var c accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return nil, false
	}
	return &c, true
}

func accessTokenExpiry(token string) time.Time {
	if c, ok := parseAccessClaims(token); ok && c.ExpiresAt != nil {
		return c.ExpiresAt.Time
	}
	return time.Time{}
}

func copySession(s *models.ProviderSession) *models.ProviderSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// classifyTokenError maps token endpoint failures: 4xx responses are
// rejections, everything else is unavailability.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil &&
		re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// classifyUserInfoError maps userinfo failures. Non-200 responses arrive as
// errors whose text starts with the HTTP status line.
func classifyUserInfoError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	msg := err.Error()
	if len(msg) >= 3 {
		if code, convErr := strconv.Atoi(msg[:3]); convErr == nil && code >= 400 && code < 500 {
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
