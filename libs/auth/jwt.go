package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingUser  = errors.New("missing user identity")
)

// Claims are the bearer-token claims issued by the identity provider. The
// booking core only needs the subject, which is the booking user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() string {
	return c.Subject
}

// Verifier checks HS256 tokens against a shared secret and RS256 tokens
// against keys served from a JWKS endpoint. Either source may be absent.
type Verifier struct {
	secret []byte
	jwks   *JWKSClient
	parser *jwt.Parser
}

func NewVerifier(secret string, jwks *JWKSClient) *Verifier {
	var methods []string
	if secret != "" {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if jwks != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	return &Verifier{
		secret: []byte(secret),
		jwks:   jwks,
		parser: jwt.NewParser(
			jwt.WithValidMethods(methods),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrMissingUser
	}
	return claims, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.secret) == 0 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	case *jwt.SigningMethodRSA:
		if v.jwks == nil {
			return nil, ErrInvalidToken
		}
		kid, _ := t.Header["kid"].(string)
		return v.jwks.Get(kid)
	default:
		return nil, ErrInvalidToken
	}
}

func SignHS256(claims Claims, secret string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type ctxKey int

const ctxKeyUserID ctxKey = iota

// UserHeader carries the user id when an upstream gateway has already
// authenticated the caller.
const UserHeader = "X-User-Id"

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, userID)
}

func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserID).(string)
	return v
}

func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// WithUser resolves the caller's user id and stores it in the request context.
// With a verifier, a valid bearer token is required; without one the
// gateway-forwarded X-User-Id header is trusted. Requests without an identity
// pass through anonymously; handlers that need a user reject them.
func WithUser(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID string
			if v != nil {
				if token := BearerToken(r); token != "" {
					claims, err := v.Verify(token)
					if err != nil {
						http.Error(w, "invalid token", http.StatusUnauthorized)
						return
					}
					userID = claims.UserID()
				}
			} else {
				userID = strings.TrimSpace(r.Header.Get(UserHeader))
			}
			if userID != "" {
				r = r.WithContext(ContextWithUserID(r.Context(), userID))
			}
			next.ServeHTTP(w, r)
		})
	}
}
