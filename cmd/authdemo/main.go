package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/gorilla/mux"
	"github.com/jrsteele09/go-auth-client/auth"
	"github.com/jrsteele09/go-auth-client/idp"
	"github.com/jrsteele09/go-auth-client/internal/config"
	"github.com/jrsteele09/go-auth-client/internal/utils"
	"github.com/jrsteele09/go-auth-client/kvstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("authdemo stopped")
	}
	log.Info().Msg("authdemo stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("Recovered from panic: %v", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	controller, cleanup, err := newController(c)
	if err != nil {
		return err
	}
	defer cleanup()
	defer controller.Close()

	server := &http.Server{Addr: c.GetPort(), Handler: newRouter(controller, c)}
	go listenAndServe(server)
	waitForStopSignal()
	return shutdown(server)
}

// newController wires the durable store (SQLite when SESSION_DB is set,
// otherwise a watched JSON file), the IdP client (endpoints via OIDC
// discovery when ISSUER is set) and the flow controller.
func newController(c config.Config) (*auth.Controller, func(), error) {
	durable, err := newDurableStore(c)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := durable.Close(); err != nil {
			log.Warn().Err(err).Msg("closing durable store")
		}
	}

	authConfig := auth.Config{
		ClientID:            c.GetClientID(),
		IdpHost:             c.GetIdpHost(),
		RedirectURI:         c.GetRedirectURI(),
		UserInfoEndpoint:    c.GetUserInfoEndpoint(),
		Scope:               c.GetScope(),
		AutoLogin:           c.GetAutoLogin(),
		PersistRefreshToken: c.GetPersistRefreshToken(),
	}

	idpOptions := []idp.ClientOption{}
	controllerOptions := []auth.Option{}
	if secret := c.GetSealSecret(); secret != nil {
		controllerOptions = append(controllerOptions, auth.WithSealSecret(secret))
	}

	if issuer := c.GetIssuer(); issuer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		endpoints, err := idp.Discover(ctx, issuer)
		if err != nil {
			cleanup()
			return nil, nil, errors.Wrap(err, "discovery")
		}
		log.Info().Str("issuer", issuer).Msg("resolved endpoints via OIDC discovery")
		idpOptions = append(idpOptions, idp.WithTokenURL(endpoints.TokenURL))
		controllerOptions = append(controllerOptions, auth.WithAuthorizeURL(endpoints.AuthorizeURL))
		if authConfig.UserInfoEndpoint == "" {
			authConfig.UserInfoEndpoint = endpoints.UserInfoURL
		}
	}

	controller, err := auth.NewController(authConfig,
		durable, kvstore.NewMemory(),
		idp.NewClient(nil, idpOptions...),
		controllerOptions...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return controller, cleanup, nil
}

func newDurableStore(c config.Config) (kvstore.Store, error) {
	if dbPath := c.GetSessionDB(); dbPath != "" {
		return kvstore.NewSQLite(dbPath)
	}
	return kvstore.NewFile(c.GetSessionFile())
}

func newRouter(controller *auth.Controller, c config.Config) *mux.Router {
	router := mux.NewRouter()

	callbackPath := "/callback"
	if parsed, err := url.Parse(c.GetRedirectURI()); err == nil && parsed.Path != "" {
		callbackPath = parsed.Path
	}

	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		userContext := controller.Context()
		writeJSON(w, map[string]any{
			"state":      userContext.State,
			"loggedIn":   userContext.Authenticated(),
			"info":       userContext.Info,
			"authHeader": userContext.AuthHeader(),
		})
	}).Methods(http.MethodGet)

	router.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		loginURL, err := controller.Login(r.Context(), auth.LoginOptions{Redirect: utils.Ptr(false)})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, loginURL, http.StatusFound)
	}).Methods(http.MethodGet)

	router.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		currentURL := c.GetRedirectURI() + "?" + r.URL.RawQuery
		if err := controller.Resume(r.Context(), currentURL); err != nil {
			log.Error().Err(err).Msg("code exchange failed")
			http.Error(w, "login failed", http.StatusBadGateway)
			return
		}
		http.Redirect(w, r, "/", http.StatusFound)
	}).Methods(http.MethodGet)

	router.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		accessToken, err := controller.AccessToken(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"accessToken": accessToken})
	}).Methods(http.MethodGet)

	router.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		if err := controller.Logout(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/", http.StatusFound)
	}).Methods(http.MethodGet)

	return router
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("encoding response")
	}
}

func listenAndServe(server *http.Server) {
	log.Info().Str("addr", server.Addr).Msg("listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server.ListenAndServe")
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server.Shutdown")
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
