package middlewares

import (
	"im-gateway/cmd/gateway/handlers/httperr"
	"im-gateway/internal/auth"
	"im-gateway/internal/config"
	"im-gateway/internal/logger"

	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDKey is the Locals key carrying the authenticated user identity.
const UserIDKey = "userID"

// JWT returns a Fiber middleware that:
//
//   - validates the token signature using cfg.JWT.Secret, accepting the
//     token from the query string, the Authorization header, or a cookie,
//     in that precedence
//   - extracts the user identity from the "user_id" claim (or "sub")
//   - stores it in ctx.Locals(UserIDKey) so the upgrade handler can trust it
//
// On any problem it bubbles up a 401 via the global httperr handler.
func JWT(cfg config.Config) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey:  jwtware.SigningKey{JWTAlg: cfg.JWT.Algorithm, Key: []byte(cfg.JWT.Secret)},
		TokenLookup: "query:token,header:Authorization,cookie:token",
		SuccessHandler: func(c *fiber.Ctx) error {
			// Token already verified at this point.
			token := c.Locals("user").(*jwt.Token)

			userID, err := auth.UserIDFromClaims(token.Claims)
			if err != nil {
				logger.L().Warn("token without user identity", "ip", c.IP(), "err", err)
				return httperr.Fail(httperr.Unauthorized("missing user identity"))
			}

			c.Locals(UserIDKey, userID)
			return c.Next()
		},

		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.L().Warn("rejected upgrade token", "ip", c.IP(), "err", auth.Classify(err))
			return httperr.Fail(httperr.ErrUnauthorized)
		},
	})
}
