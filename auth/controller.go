// Package auth implements the login flow controller: it initiates the
// PKCE authorization redirect, consumes the returning authorization code,
// maintains the derived UserContext, and keeps it in step with session
// replacements made elsewhere (background refresh, another instance or
// process sharing the store).
package auth

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-client/idp"
	"github.com/jrsteele09/go-auth-client/internal/utils"
	"github.com/jrsteele09/go-auth-client/kvstore"
	"github.com/jrsteele09/go-auth-client/pkce"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/jrsteele09/go-auth-client/token"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Navigator performs the user-agent redirect after login and after a
// completed exchange. The default is a no-op for embedders that drive
// navigation themselves from the returned URL.
type Navigator func(url string)

// Controller orchestrates the session lifecycle. All state transitions
// write the whole session through the session store; the Controller keeps
// only derived state (cached user info, the pending authorization code).
type Controller struct {
	config      Config
	transient   kvstore.Store
	sessions    *session.Store
	idp         *idp.Client
	coordinator *token.Coordinator

	navigate     Navigator
	currentURL   func() string
	nowTime      func() time.Time
	sealSecret   []byte
	authorizeURL string
	log          zerolog.Logger

	mu          sync.Mutex
	state       State
	loginURL    string
	pendingCode string
	info        *idp.UserInfo
	infoToken   string
	subscribers map[int]func(UserContext)
	nextSubID   int

	cancelStoreSub func()
}

// Option defines a function type to modify the Controller instance.
type Option func(*Controller)

// WithNavigator sets the redirect function.
func WithNavigator(navigate Navigator) Option {
	return func(c *Controller) { c.navigate = navigate }
}

// WithCurrentURL sets the function used as the default login entrypoint.
func WithCurrentURL(fn func() string) Option {
	return func(c *Controller) { c.currentURL = fn }
}

// WithNowTime sets the function used to fetch the current time.
func WithNowTime(fn func() time.Time) Option {
	return func(c *Controller) { c.nowTime = fn }
}

// WithLogger sets the controller's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.log = logger }
}

// WithSealSecret encrypts the stored session at rest with the 32-byte key.
func WithSealSecret(secret []byte) Option {
	return func(c *Controller) { c.sealSecret = secret }
}

// WithAuthorizeURL pins the authorize endpoint to an absolute URL instead
// of deriving it from the IdP host, used with OIDC discovery.
func WithAuthorizeURL(authorizeURL string) Option {
	return func(c *Controller) { c.authorizeURL = authorizeURL }
}

// NewController creates a Controller over a durable storage area (the
// session) and a transient one (verifier and entrypoint for one login
// round trip).
func NewController(config Config, durable, transient kvstore.Store, idpClient *idp.Client, options ...Option) (*Controller, error) {
	if err := config.validate(); err != nil {
		return nil, errors.Wrap(err, "[NewController] config")
	}
	if durable == nil || transient == nil {
		return nil, errors.New("[NewController] durable and transient stores are required")
	}
	if idpClient == nil {
		idpClient = idp.NewClient(nil)
	}

	controller := &Controller{
		config:      config,
		transient:   transient,
		idp:         idpClient,
		navigate:    func(string) {},
		currentURL:  func() string { return "" },
		nowTime:     time.Now,
		log:         log.Logger,
		state:       StateUnauthenticated,
		subscribers: make(map[int]func(UserContext)),
	}
	for _, opt := range options {
		opt(controller)
	}

	sessionOptions := []session.StoreOption{session.WithLogger(controller.log)}
	if controller.sealSecret != nil {
		sessionOptions = append(sessionOptions, session.WithSealSecret(controller.sealSecret))
	}
	sessions, err := session.NewStore(durable, sessionOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "[NewController] session store")
	}
	controller.sessions = sessions

	coordinator, err := newCoordinator(controller)
	if err != nil {
		return nil, err
	}
	controller.coordinator = coordinator

	controller.cancelStoreSub = sessions.Subscribe(controller.onSessionChange)
	return controller, nil
}

func newCoordinator(c *Controller) (*token.Coordinator, error) {
	coordinatorOptions := []token.Option{
		token.WithNowTime(c.nowTime),
		token.WithLogger(c.log),
	}
	if !c.config.PersistRefreshToken {
		coordinatorOptions = append(coordinatorOptions, token.WithoutRefreshPersistence())
	}
	coordinator, err := token.NewCoordinator(c.sessions, c.idp, coordinatorOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "[NewController] coordinator")
	}
	return coordinator, nil
}

// Sessions exposes the underlying session store.
func (c *Controller) Sessions() *session.Store {
	return c.sessions
}

// Coordinator exposes the refresh coordinator for non-UI callers such as
// request interceptors.
func (c *Controller) Coordinator() *token.Coordinator {
	return c.coordinator
}

// Close releases the store subscription.
func (c *Controller) Close() {
	if c.cancelStoreSub != nil {
		c.cancelStoreSub()
	}
}

// LoginOptions modify a single Login call.
type LoginOptions struct {
	// Entrypoint is the URL to return to after the exchange completes.
	// Defaults to the configured current-URL function's value.
	Entrypoint string

	// Redirect defaults to true. When false the authorize URL is computed
	// and exposed but no navigation or entrypoint write happens, for
	// deferred or manual navigation.
	Redirect *bool
}

// Login begins an authorization round trip: it generates and stores a
// fresh PKCE verifier and returns the authorize URL. With redirect
// enabled it also stores the entrypoint and invokes the navigator.
func (c *Controller) Login(ctx context.Context, opts LoginOptions) (string, error) {
	verifier, err := pkce.GenerateVerifier(pkce.DefaultVerifierSize)
	if err != nil {
		return "", errors.Wrap(err, "[Controller.Login] generate verifier")
	}
	if err := c.transient.Set(kvstore.KeyPKCEVerifier, verifier); err != nil {
		return "", errors.Wrap(err, "[Controller.Login] store verifier")
	}

	loginURL := c.buildAuthorizeURL(pkce.Challenge(verifier))

	if opts.Redirect == nil || utils.Value(opts.Redirect) {
		entrypoint := opts.Entrypoint
		if entrypoint == "" {
			entrypoint = c.currentURL()
		}
		if entrypoint != "" {
			if err := c.transient.Set(kvstore.KeyEntrypoint, entrypoint); err != nil {
				return "", errors.Wrap(err, "[Controller.Login] store entrypoint")
			}
		}

		c.mu.Lock()
		c.state = StatePendingRedirect
		c.loginURL = loginURL
		c.mu.Unlock()
		c.publish()

		c.navigate(loginURL)
		return loginURL, nil
	}

	c.mu.Lock()
	c.loginURL = loginURL
	c.mu.Unlock()
	c.publish()
	return loginURL, nil
}

// buildAuthorizeURL builds the IdP authorize URL for a challenge.
func (c *Controller) buildAuthorizeURL(challenge string) string {
	authURL := c.authorizeURL
	if authURL == "" {
		authURL = idp.AuthorizeURL(c.config.IdpHost)
	}

	oauthConfig := oauth2.Config{
		ClientID:    c.config.ClientID,
		RedirectURL: c.config.RedirectURI,
		Scopes:      strings.Split(c.config.scope(), " "),
		Endpoint: oauth2.Endpoint{
			AuthURL: authURL,
		},
	}

	authCodeOptions := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge_method", pkce.MethodS256),
		oauth2.SetAuthURLParam("code_challenge", challenge),
	}
	if c.config.Prompt != "" {
		authCodeOptions = append(authCodeOptions, oauth2.SetAuthURLParam("prompt", c.config.Prompt))
	}
	if c.config.AcrValues != "" {
		authCodeOptions = append(authCodeOptions, oauth2.SetAuthURLParam("acr_values", c.config.AcrValues))
	}
	if c.config.DomainHint != "" {
		authCodeOptions = append(authCodeOptions, oauth2.SetAuthURLParam("domain_hint", c.config.DomainHint))
	}
	for key, values := range c.config.additionalAuthorizeParams() {
		for _, value := range values {
			authCodeOptions = append(authCodeOptions, oauth2.SetAuthURLParam(key, value))
		}
	}

	return oauthConfig.AuthCodeURL("", authCodeOptions...)
}

// Resume is the on-mount transition. An existing session always wins: a
// pending authorization code in the URL is ignored when one is stored.
// Otherwise a code on the redirect URI triggers the exchange, and failing
// that, AutoLogin starts a fresh login.
func (c *Controller) Resume(ctx context.Context, currentURL string) error {
	if _, err := c.sessions.Get(); err == nil {
		c.mu.Lock()
		c.state = StateAuthenticated
		c.mu.Unlock()
		c.publish()

		if err := c.fetchUserInfo(ctx); err != nil {
			c.log.Warn().Err(err).Msg("auth: user info fetch on resume failed")
		}
		return nil
	}

	if code := c.authorizationCode(currentURL); code != "" {
		c.mu.Lock()
		c.pendingCode = code
		c.state = StatePendingExchange
		c.mu.Unlock()
		c.publish()
		return c.exchange(ctx)
	}

	if c.config.AutoLogin {
		_, err := c.Login(ctx, LoginOptions{Entrypoint: currentURL})
		return err
	}
	return nil
}

// authorizationCode extracts the code parameter when currentURL matches
// the configured redirect URI.
func (c *Controller) authorizationCode(currentURL string) string {
	current, err := url.Parse(currentURL)
	if err != nil {
		return ""
	}
	redirect, err := url.Parse(c.config.RedirectURI)
	if err != nil {
		return ""
	}
	if current.Host != redirect.Host || current.Path != redirect.Path {
		return ""
	}
	return current.Query().Get("code")
}

// exchange swaps the pending code plus stored verifier for a session. The
// verifier is deleted only after a successful exchange, so a transient
// failure leaves the handshake state intact. The code is single-use by
// IdP contract; no auth-layer retry happens here.
func (c *Controller) exchange(ctx context.Context) error {
	if _, err := c.sessions.Get(); err == nil {
		c.mu.Lock()
		c.pendingCode = ""
		c.state = StateAuthenticated
		c.mu.Unlock()
		c.publish()
		return nil
	}

	c.mu.Lock()
	code := c.pendingCode
	c.mu.Unlock()
	if code == "" {
		return nil
	}

	verifier, ok, err := c.transient.Get(kvstore.KeyPKCEVerifier)
	if err != nil {
		return errors.Wrap(err, "[Controller.exchange] read verifier")
	}
	if !ok {
		return errors.New("[Controller.exchange] no stored verifier for pending code")
	}

	response, err := c.idp.ExchangeCode(ctx, idp.ExchangeRequest{
		IdpHost:      c.config.IdpHost,
		ClientID:     c.config.ClientID,
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  c.config.RedirectURI,
	})
	if err != nil {
		return errors.Wrap(err, "[Controller.exchange] exchange code")
	}

	if err := c.transient.Delete(kvstore.KeyPKCEVerifier); err != nil {
		c.log.Warn().Err(err).Msg("auth: failed to delete consumed verifier")
	}

	newSession := session.FromTokenResponse(response, c.nowTime(), c.config.PersistRefreshToken, "")
	if err := c.sessions.Set(newSession); err != nil {
		return errors.Wrap(err, "[Controller.exchange] persist session")
	}

	c.mu.Lock()
	c.pendingCode = ""
	c.state = StateAuthenticated
	c.mu.Unlock()

	if entrypoint, ok, err := c.transient.Get(kvstore.KeyEntrypoint); err == nil && ok {
		if err := c.transient.Delete(kvstore.KeyEntrypoint); err != nil {
			c.log.Warn().Err(err).Msg("auth: failed to delete entrypoint")
		}
		c.navigate(entrypoint)
	}
	c.publish()

	if err := c.fetchUserInfo(ctx); err != nil {
		c.log.Warn().Err(err).Msg("auth: user info fetch after exchange failed")
	}
	return nil
}

// AccessToken returns a currently valid access token for the configured
// IdP, refreshing if required.
func (c *Controller) AccessToken(ctx context.Context) (string, error) {
	return c.coordinator.AccessToken(ctx, c.params())
}

// Revalidate drops the cached user info and refetches it, the analogue
// of revalidating when a window regains focus.
func (c *Controller) Revalidate(ctx context.Context) error {
	c.mu.Lock()
	c.infoToken = ""
	c.mu.Unlock()
	return c.fetchUserInfo(ctx)
}

// Logout clears the persisted session and cached user info. The identity
// provider is never called.
func (c *Controller) Logout() error {
	if err := c.sessions.Clear(); err != nil {
		return errors.Wrap(err, "[Controller.Logout] clear session")
	}
	c.mu.Lock()
	c.info = nil
	c.infoToken = ""
	c.pendingCode = ""
	c.state = StateUnauthenticated
	c.mu.Unlock()
	c.publish()
	return nil
}

// Context returns the current snapshot.
func (c *Controller) Context() UserContext {
	return c.snapshot()
}

// Subscribe registers fn for UserContext changes and returns a cancel
// function. fn is invoked synchronously with each new snapshot.
func (c *Controller) Subscribe(fn func(UserContext)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// fetchUserInfo populates the cached user info, gated on a valid session
// and no pending code. A rejected token triggers one refresh attempt when
// a refresh token exists; without one the session is cleared outright
// since a refresh could never succeed. Without a configured userinfo
// endpoint the claims come from the session's ID token instead.
func (c *Controller) fetchUserInfo(ctx context.Context) error {
	return c.fetchUserInfoAttempt(ctx, true)
}

// fetchUserInfoAttempt carries the allowRefresh bound: recovery is
// limited to a single refresh per entry, so a userinfo endpoint that
// rejects freshly refreshed tokens logs the user out instead of cycling
// refresh and rejection forever.
func (c *Controller) fetchUserInfoAttempt(ctx context.Context, allowRefresh bool) error {
	c.mu.Lock()
	pending := c.pendingCode != ""
	cachedToken := c.infoToken
	c.mu.Unlock()
	if pending {
		return nil
	}

	current, err := c.sessions.Get()
	if err != nil {
		return nil
	}

	if current.Expired(c.nowTime()) {
		if !allowRefresh {
			c.clearToUnauthenticated()
			return nil
		}
		return c.recoverSession(ctx, current)
	}
	if cachedToken == current.AccessToken {
		return nil
	}

	var info *idp.UserInfo
	if c.config.UserInfoEndpoint == "" {
		if current.IDToken == "" {
			return nil
		}
		if info, err = idp.ClaimsFromIDToken(current.IDToken); err != nil {
			return errors.Wrap(err, "[Controller.fetchUserInfo] id token claims")
		}
	} else {
		info, err = c.idp.FetchUserInfo(ctx, c.config.UserInfoEndpoint, current.AccessToken)
		if errors.Is(err, idp.ErrUserInfoStatus) {
			if !allowRefresh {
				c.log.Warn().Msg("auth: refreshed token rejected by userinfo endpoint, logging out")
				c.clearToUnauthenticated()
				return nil
			}
			return c.recoverSession(ctx, current)
		}
		if err != nil {
			return errors.Wrap(err, "[Controller.fetchUserInfo] fetch")
		}
	}

	c.mu.Lock()
	c.info = info
	c.infoToken = current.AccessToken
	c.state = StateAuthenticated
	c.mu.Unlock()
	c.publish()
	return nil
}

// recoverSession handles an expired or rejected access token: refresh
// when possible, otherwise clear the session and log the user out.
func (c *Controller) recoverSession(ctx context.Context, current *session.UserSession) error {
	if current.RefreshToken == "" {
		c.clearToUnauthenticated()
		return nil
	}

	c.mu.Lock()
	c.state = StateRefreshing
	c.mu.Unlock()
	c.publish()

	if _, err := c.coordinator.RefreshSession(ctx, c.params(), current.RefreshToken); err != nil {
		c.log.Warn().Err(err).Msg("auth: automatic refresh failed, logging out")
		c.clearToUnauthenticated()
		return nil
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.infoToken = ""
	c.mu.Unlock()
	return c.fetchUserInfoAttempt(ctx, false)
}

func (c *Controller) clearToUnauthenticated() {
	if err := c.sessions.Clear(); err != nil {
		c.log.Error().Err(err).Msg("auth: failed to clear session")
	}
	c.mu.Lock()
	c.info = nil
	c.infoToken = ""
	c.state = StateUnauthenticated
	c.mu.Unlock()
	c.publish()
}

// onSessionChange reacts to session replacements made through any store
// instance sharing the backing storage, including this controller's own
// writes.
func (c *Controller) onSessionChange(replaced *session.UserSession) {
	c.mu.Lock()
	if replaced == nil {
		c.info = nil
		c.infoToken = ""
		if c.pendingCode == "" && c.state != StatePendingRedirect {
			c.state = StateUnauthenticated
		}
	} else {
		c.state = StateAuthenticated
		if c.infoToken != "" && c.infoToken != replaced.AccessToken {
			c.infoToken = ""
		}
	}
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) params() token.Params {
	return token.Params{IdpHost: c.config.IdpHost, ClientID: c.config.ClientID}
}

// snapshot builds the current UserContext, re-reading the stored session
// so external replacements are always reflected.
func (c *Controller) snapshot() UserContext {
	current, err := c.sessions.Get()
	if err != nil {
		current = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return UserContext{
		State:    c.state,
		Session:  current,
		Info:     c.info,
		LoginURL: c.loginURL,
	}
}

func (c *Controller) publish() {
	snapshot := c.snapshot()

	c.mu.Lock()
	fns := make([]func(UserContext), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
