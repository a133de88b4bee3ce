package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Error kinds surfaced by token verification. The upgrade handler maps all
// of them to HTTP 401; they stay distinct for logging and tests.
var (
	ErrMissingToken   = errors.New("auth: missing token")
	ErrMalformedToken = errors.New("auth: malformed token")
	ErrBadSignature   = errors.New("auth: bad signature")
	ErrExpired        = errors.New("auth: token expired")
	ErrMissingClaim   = errors.New("auth: missing user_id claim")
)

// Verifier validates bearer tokens against a pre-loaded secret. It is
// stateless and safe for concurrent use.
type Verifier struct {
	secret    []byte
	algorithm string
}

// NewVerifier builds a Verifier for the configured HMAC algorithm.
func NewVerifier(secret, algorithm string) *Verifier {
	if algorithm == "" {
		algorithm = "HS256"
	}
	return &Verifier{secret: []byte(secret), algorithm: strings.ToUpper(algorithm)}
}

// Verify parses and validates tokenString and returns the authenticated
// user id. The user id comes from the "user_id" claim, falling back to the
// standard "sub" claim for tokens minted by older issuers.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if strings.TrimSpace(tokenString) == "" {
		return "", ErrMissingToken
	}

	token, err := jwt.Parse(tokenString,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{v.algorithm}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", classify(err)
	}
	if !token.Valid {
		return "", ErrMalformedToken
	}

	return UserIDFromClaims(token.Claims)
}

// UserIDFromClaims extracts the user identity from validated claims.
func UserIDFromClaims(claims jwt.Claims) (string, error) {
	mapClaims, ok := claims.(jwt.MapClaims)
	if !ok {
		return "", ErrMissingClaim
	}
	if uid, ok := mapClaims["user_id"].(string); ok && uid != "" {
		return uid, nil
	}
	if sub, ok := mapClaims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	return "", ErrMissingClaim
}

// Classify maps a jwt parse error onto this package's error kinds so
// callers outside the package (the upgrade middleware) log consistently.
func Classify(err error) error {
	return classify(err)
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %w", ErrMissingClaim, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
}
