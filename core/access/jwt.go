package access

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/apiforge-io/apiforge/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for the JWT middleware
type JwtMiddlewareBuilder struct {
	// Secret is the HS256 signing secret. This is mandatory.
	Secret string
	// Issuer is the accepted issuer for the token. Optional; when set,
	// tokens from other issuers are rejected.
	Issuer string
}

type userClaims struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Groups   []string `json:"groups"`
	jwt.RegisteredClaims
}

// NewJwtMiddleware returns a middleware handler that validates JWT bearer
// tokens and stores the authenticated user in the request context.
//
// Tokens are accepted as "Authorization: Bearer" header. Requests without a
// token pass through anonymously; the ACL visibility clause then reduces to
// the public bitmask test. Requests with an invalid token are rejected with
// http.StatusUnauthorized.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	if jmb.Secret == "" {
		panic("jwt middleware requires a secret")
	}
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(jmb.Secret), nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if UserFromContext(r.Context()) != nil { // already authenticated?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) >= 8 && strings.EqualFold(bearer[:7], "bearer ") {
				tokenString = bearer[7:]
			}
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			claims := userClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc)
			if err != nil || !token.Valid || (jmb.Issuer != "" && claims.Issuer != jmb.Issuer) {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			user := &User{
				ID:       claims.Subject,
				Username: claims.Username,
				Email:    claims.Email,
				Groups:   claims.Groups,
			}
			ctx := ContextWithUser(r.Context(), user)
			logger.FromContext(ctx).Debugln("authenticated user:", user.Username)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
