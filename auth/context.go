package auth

import (
	"github.com/jrsteele09/go-auth-client/idp"
	"github.com/jrsteele09/go-auth-client/session"
)

// State is the controller's position in the login lifecycle.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StatePendingRedirect State = "pending-redirect"
	StatePendingExchange State = "pending-exchange"
	StateAuthenticated   State = "authenticated"
	StateRefreshing      State = "refreshing"
)

// UserContext is the derived view of the current session exposed to
// application code. It is a value snapshot, recomputed whenever its
// inputs change; holders never see later mutations.
type UserContext struct {
	State    State
	Session  *session.UserSession
	Info     *idp.UserInfo
	LoginURL string
}

// AuthHeader returns the bearer authorization header for the current
// session, or an empty map when unauthenticated.
func (u UserContext) AuthHeader() map[string]string {
	if u.Session == nil || u.Session.AccessToken == "" {
		return map[string]string{}
	}
	return map[string]string{"Authorization": "Bearer " + u.Session.AccessToken}
}

// Authenticated reports whether a session is present.
func (u UserContext) Authenticated() bool {
	return u.Session != nil
}
