package auth_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-client/auth"
	"github.com/jrsteele09/go-auth-client/idp"
	"github.com/jrsteele09/go-auth-client/internal/utils"
	"github.com/jrsteele09/go-auth-client/kvstore"
	"github.com/jrsteele09/go-auth-client/pkce"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/stretchr/testify/require"
)

const (
	testRedirectURI = "https://app.example.com/callback"
	tokenResponse   = `{"access_token":"a1","refresh_token":"r1","id_token":"i1","token_type":"Bearer","expires_in":3600}`
	userInfoBody    = `{"email":"john.doe@example.com","sub":"user-1","given_name":"John","family_name":"Doe"}`
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	controller    *auth.Controller
	durable       kvstore.Store
	transient     kvstore.Store
	navigated     []string
	tokenCalls    *int32
	userInfoCalls *int32
}

type fixtureOptions struct {
	config   func(*auth.Config)
	token    http.HandlerFunc
	userInfo http.HandlerFunc
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	f := &fixture{
		durable:       kvstore.NewMemory(),
		transient:     kvstore.NewMemory(),
		tokenCalls:    new(int32),
		userInfoCalls: new(int32),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(f.tokenCalls, 1)
		if opts.token != nil {
			opts.token(w, r)
			return
		}
		w.Write([]byte(tokenResponse))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(f.userInfoCalls, 1)
		if opts.userInfo != nil {
			opts.userInfo(w, r)
			return
		}
		w.Write([]byte(userInfoBody))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	config := auth.Config{
		ClientID:            "test-client",
		IdpHost:             "idp.example.com",
		RedirectURI:         testRedirectURI,
		UserInfoEndpoint:    server.URL + "/userinfo",
		PersistRefreshToken: true,
	}
	if opts.config != nil {
		opts.config(&config)
	}

	controller, err := auth.NewController(config, f.durable, f.transient,
		idp.NewClient(nil, idp.WithTokenURL(server.URL+"/token")),
		auth.WithNowTime(func() time.Time { return testNow }),
		auth.WithNavigator(func(url string) { f.navigated = append(f.navigated, url) }),
	)
	require.NoError(t, err)
	t.Cleanup(controller.Close)

	f.controller = controller
	return f
}

func (f *fixture) storedVerifier(t *testing.T) string {
	t.Helper()
	verifier, ok, err := f.transient.Get(kvstore.KeyPKCEVerifier)
	require.NoError(t, err)
	require.True(t, ok)
	return verifier
}

func storeSession(t *testing.T, f *fixture, s *session.UserSession) {
	t.Helper()
	store, err := session.NewStore(f.durable)
	require.NoError(t, err)
	require.NoError(t, store.Set(s))
}

func TestLoginNoRedirectBuildsAuthorizeURL(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	loginURL, err := f.controller.Login(context.Background(), auth.LoginOptions{Redirect: utils.Ptr(false)})
	require.NoError(t, err)
	require.Empty(t, f.navigated)

	parsed, err := url.Parse(loginURL)
	require.NoError(t, err)
	require.Equal(t, "idp.example.com", parsed.Host)
	require.Equal(t, "/oauth2/authorize", parsed.Path)

	params := parsed.Query()
	require.Equal(t, "test-client", params.Get("client_id"))
	require.Equal(t, "code", params.Get("response_type"))
	require.Equal(t, "openid email", params.Get("scope"))
	require.Equal(t, testRedirectURI, params.Get("redirect_uri"))
	require.Equal(t, "S256", params.Get("code_challenge_method"))
	require.Equal(t, pkce.Challenge(f.storedVerifier(t)), params.Get("code_challenge"))

	// No navigation requested: the entrypoint is not stored.
	_, ok, err := f.transient.Get(kvstore.KeyEntrypoint)
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, loginURL, f.controller.Context().LoginURL)
}

func TestLoginRedirectStoresEntrypointAndNavigates(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	loginURL, err := f.controller.Login(context.Background(), auth.LoginOptions{Entrypoint: "/dashboard"})
	require.NoError(t, err)
	require.Equal(t, []string{loginURL}, f.navigated)

	entrypoint, ok, err := f.transient.Get(kvstore.KeyEntrypoint)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/dashboard", entrypoint)

	require.Equal(t, auth.StatePendingRedirect, f.controller.Context().State)
}

func TestLoginMergesAdditionalParameters(t *testing.T) {
	f := newFixture(t, fixtureOptions{config: func(c *auth.Config) {
		c.Prompt = "login"
		c.AdditionalParameters = "ui_locales=en-GB&client_id=evil"
	}})

	loginURL, err := f.controller.Login(context.Background(), auth.LoginOptions{Redirect: utils.Ptr(false)})
	require.NoError(t, err)

	parsed, err := url.Parse(loginURL)
	require.NoError(t, err)
	params := parsed.Query()
	require.Equal(t, "en-GB", params.Get("ui_locales"))
	require.Equal(t, "login", params.Get("prompt"))

	// Reserved parameters cannot be overridden by caller-supplied ones.
	require.Equal(t, []string{"test-client"}, params["client_id"])
}

func TestResumeExchangesCodeForSession(t *testing.T) {
	f := newFixture(t, fixtureOptions{token: func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		require.Equal(t, "test-client", r.PostForm.Get("client_id"))
		require.Equal(t, "auth-code-1", r.PostForm.Get("code"))
		require.NotEmpty(t, r.PostForm.Get("code_verifier"))
		require.Equal(t, testRedirectURI, r.PostForm.Get("redirect_uri"))
		w.Write([]byte(tokenResponse))
	}})

	_, err := f.controller.Login(context.Background(), auth.LoginOptions{Redirect: utils.Ptr(false)})
	require.NoError(t, err)

	err = f.controller.Resume(context.Background(), testRedirectURI+"?code=auth-code-1")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(f.tokenCalls))

	userContext := f.controller.Context()
	require.Equal(t, auth.StateAuthenticated, userContext.State)
	require.Equal(t, "a1", userContext.Session.AccessToken)
	require.Equal(t, testNow.Add(time.Hour).UnixMilli(), userContext.Session.Expires)
	require.Equal(t, "john.doe@example.com", userContext.Info.Email)
	require.Equal(t, map[string]string{"Authorization": "Bearer a1"}, userContext.AuthHeader())

	// The verifier is consumed exactly once.
	_, ok, err := f.transient.Get(kvstore.KeyPKCEVerifier)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResumeNavigatesBackToEntrypoint(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	_, err := f.controller.Login(context.Background(), auth.LoginOptions{Entrypoint: "/dashboard"})
	require.NoError(t, err)
	f.navigated = nil

	err = f.controller.Resume(context.Background(), testRedirectURI+"?code=auth-code-1")
	require.NoError(t, err)
	require.Equal(t, []string{"/dashboard"}, f.navigated)

	_, ok, err := f.transient.Get(kvstore.KeyEntrypoint)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResumeExistingSessionIgnoresPendingCode(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	storeSession(t, f, &session.UserSession{
		AccessToken: "a1",
		Expires:     testNow.Add(time.Hour).UnixMilli(),
	})

	err := f.controller.Resume(context.Background(), testRedirectURI+"?code=duplicate-callback")
	require.NoError(t, err)

	require.Equal(t, int32(0), atomic.LoadInt32(f.tokenCalls))
	require.Equal(t, auth.StateAuthenticated, f.controller.Context().State)
}

func TestResumeAutoLogin(t *testing.T) {
	f := newFixture(t, fixtureOptions{config: func(c *auth.Config) { c.AutoLogin = true }})

	err := f.controller.Resume(context.Background(), "https://app.example.com/reports")
	require.NoError(t, err)
	require.Len(t, f.navigated, 1)
	f.storedVerifier(t)

	entrypoint, ok, err := f.transient.Get(kvstore.KeyEntrypoint)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://app.example.com/reports", entrypoint)
}

func TestResumeWithoutCodeOrAutoLoginStaysUnauthenticated(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	err := f.controller.Resume(context.Background(), "https://app.example.com/reports")
	require.NoError(t, err)
	require.Empty(t, f.navigated)
	require.Equal(t, auth.StateUnauthenticated, f.controller.Context().State)
}

func TestExchangeFailureKeepsHandshakeState(t *testing.T) {
	f := newFixture(t, fixtureOptions{token: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}})

	_, err := f.controller.Login(context.Background(), auth.LoginOptions{Redirect: utils.Ptr(false)})
	require.NoError(t, err)
	verifier := f.storedVerifier(t)

	err = f.controller.Resume(context.Background(), testRedirectURI+"?code=auth-code-1")
	require.Error(t, err)

	// Verifier survives a failed exchange.
	require.Equal(t, verifier, f.storedVerifier(t))
	require.Nil(t, f.controller.Context().Session)
}

func TestUserInfoRejectionTriggersRefresh(t *testing.T) {
	f := newFixture(t, fixtureOptions{
		token: func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
			require.Equal(t, "r1", r.PostForm.Get("refresh_token"))
			w.Write([]byte(`{"access_token":"a2","refresh_token":"r2","token_type":"Bearer","expires_in":3600}`))
		},
		userInfo: func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer a2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(userInfoBody))
		},
	})
	storeSession(t, f, &session.UserSession{
		AccessToken:  "a1",
		RefreshToken: "r1",
		Expires:      testNow.Add(time.Hour).UnixMilli(),
	})

	err := f.controller.Resume(context.Background(), "https://app.example.com/reports")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(f.tokenCalls))

	userContext := f.controller.Context()
	require.Equal(t, "a2", userContext.Session.AccessToken)
	require.Equal(t, "john.doe@example.com", userContext.Info.Email)
}

func TestUserInfoRejectingAllTokensLogsOutAfterOneRefresh(t *testing.T) {
	var issued int32
	f := newFixture(t, fixtureOptions{
		token: func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&issued, 1) + 1
			fmt.Fprintf(w, `{"access_token":"a%d","refresh_token":"r%d","token_type":"Bearer","expires_in":3600}`, n, n)
		},
		userInfo: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
	})
	storeSession(t, f, &session.UserSession{
		AccessToken:  "a1",
		RefreshToken: "r1",
		Expires:      testNow.Add(time.Hour).UnixMilli(),
	})

	// The endpoint rejects refreshed tokens too: exactly one refresh is
	// attempted before giving up and logging out.
	err := f.controller.Resume(context.Background(), "https://app.example.com/reports")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(f.tokenCalls))
	require.Equal(t, int32(2), atomic.LoadInt32(f.userInfoCalls))

	userContext := f.controller.Context()
	require.Equal(t, auth.StateUnauthenticated, userContext.State)
	require.Nil(t, userContext.Session)
}

func TestUserInfoRejectionWithoutRefreshTokenClearsSession(t *testing.T) {
	f := newFixture(t, fixtureOptions{userInfo: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}})
	storeSession(t, f, &session.UserSession{
		AccessToken: "a1",
		Expires:     testNow.Add(time.Hour).UnixMilli(),
	})

	err := f.controller.Resume(context.Background(), "https://app.example.com/reports")
	require.NoError(t, err)
	require.Equal(t, int32(0), atomic.LoadInt32(f.tokenCalls))

	userContext := f.controller.Context()
	require.Equal(t, auth.StateUnauthenticated, userContext.State)
	require.Nil(t, userContext.Session)
}

func TestExpiredSessionWithoutRefreshTokenClearsOnResume(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	storeSession(t, f, &session.UserSession{
		AccessToken: "a1",
		Expires:     testNow.Add(-time.Minute).UnixMilli(),
	})

	err := f.controller.Resume(context.Background(), "https://app.example.com/reports")
	require.NoError(t, err)
	require.Nil(t, f.controller.Context().Session)
}

func TestLogout(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	storeSession(t, f, &session.UserSession{
		AccessToken: "a1",
		Expires:     testNow.Add(time.Hour).UnixMilli(),
	})
	require.NoError(t, f.controller.Resume(context.Background(), "https://app.example.com/"))
	require.NotNil(t, f.controller.Context().Info)

	require.NoError(t, f.controller.Logout())

	userContext := f.controller.Context()
	require.Nil(t, userContext.Session)
	require.Nil(t, userContext.Info)
	require.Equal(t, auth.StateUnauthenticated, userContext.State)
	require.Empty(t, userContext.AuthHeader())

	// Logout never calls the IdP.
	require.Equal(t, int32(0), atomic.LoadInt32(f.tokenCalls))
}

func TestSubscribeObservesExternalReplacement(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	var snapshots []auth.UserContext
	cancel := f.controller.Subscribe(func(u auth.UserContext) {
		snapshots = append(snapshots, u)
	})
	defer cancel()

	// Another writer sharing the durable area replaces the session.
	storeSession(t, f, &session.UserSession{
		AccessToken: "external",
		Expires:     testNow.Add(time.Hour).UnixMilli(),
	})

	require.NotEmpty(t, snapshots)
	latest := snapshots[len(snapshots)-1]
	require.Equal(t, auth.StateAuthenticated, latest.State)
	require.Equal(t, "external", latest.Session.AccessToken)
}

func TestRevalidateRefetchesUserInfo(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	storeSession(t, f, &session.UserSession{
		AccessToken: "a1",
		Expires:     testNow.Add(time.Hour).UnixMilli(),
	})

	require.NoError(t, f.controller.Resume(context.Background(), "https://app.example.com/"))
	require.Equal(t, int32(1), atomic.LoadInt32(f.userInfoCalls))

	// A second resume hits the cache; revalidation does not.
	require.NoError(t, f.controller.Resume(context.Background(), "https://app.example.com/"))
	require.Equal(t, int32(1), atomic.LoadInt32(f.userInfoCalls))

	require.NoError(t, f.controller.Revalidate(context.Background()))
	require.Equal(t, int32(2), atomic.LoadInt32(f.userInfoCalls))
}

func TestUserInfoFromIDTokenWithoutEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOptions{config: func(c *auth.Config) { c.UserInfoEndpoint = "" }})

	idToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": "john.doe@example.com",
		"sub":   "user-1",
	})
	raw, err := idToken.SignedString([]byte("test-key"))
	require.NoError(t, err)

	storeSession(t, f, &session.UserSession{
		AccessToken: "a1",
		IDToken:     raw,
		Expires:     testNow.Add(time.Hour).UnixMilli(),
	})

	err = f.controller.Resume(context.Background(), "https://app.example.com/reports")
	require.NoError(t, err)
	require.Equal(t, int32(0), atomic.LoadInt32(f.userInfoCalls))

	info := f.controller.Context().Info
	require.NotNil(t, info)
	require.Equal(t, "john.doe@example.com", info.Email)
	require.Equal(t, "user-1", info.Sub)
}

func TestAccessTokenDelegatesToCoordinator(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	storeSession(t, f, &session.UserSession{
		AccessToken: "a1",
		Expires:     testNow.Add(time.Hour).UnixMilli(),
	})

	accessToken, err := f.controller.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a1", accessToken)
	require.Equal(t, int32(0), atomic.LoadInt32(f.tokenCalls))
}
