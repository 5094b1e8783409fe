/*
Package access provides row-level access control for entity records.

Every record carries an ACL sub-document with permission bitmasks for the
public, for individual owners and for groups. The package builds the
visibility clause that is layered into every read, update and delete query,
stamps defaults onto new records, and carries the authenticated user through
the request context.
*/
package access

import (
	"context"
)

// User is the authenticated requester.
type User struct {
	ID       string   `json:"user_id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Groups   []string `json:"groups,omitempty"`
}

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyUser contextKey = "_user_"

// ContextWithUser returns a new context with this user added to it
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, contextKeyUser, user)
}

// UserFromContext retrieves the authenticated user from the context,
// or nil for anonymous requests.
func UserFromContext(ctx context.Context) *User {
	user, ok := ctx.Value(contextKeyUser).(*User)
	if ok {
		return user
	}
	return nil
}
