package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lineage/internal/middleware"
	"lineage/internal/models"
	"lineage/internal/policy"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer   = "lineage-api"
	tokenAudience = "lineage-client"
	tokenTTL      = 7 * 24 * time.Hour

	blacklistPrefix = "blacklist:"
)

// tokenClaims is the JWT payload issued at login.
type tokenClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func (c *tokenClaims) userID() (uint, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid subject %q", c.Subject)
	}
	return uint(id), nil
}

func (s *Server) generateToken(userID uint, username string) (string, error) {
	if s.config.JWTSecret == "" {
		return "", fmt.Errorf("JWT secret not configured")
	}

	now := time.Now()
	claims := tokenClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.JWTSecret))
}

// bearerToken returns the request's token. Browsers cannot set headers on a
// websocket handshake, so /ws also accepts ?token=.
func bearerToken(c *fiber.Ctx) string {
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if c.Path() == "/ws" {
		return c.Query("token")
	}
	return ""
}

// parseToken validates signature, issuer, audience, expiry and revocation.
func (s *Server) parseToken(ctx context.Context, tokenString string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(s.config.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, models.NewUnauthorizedError("Invalid or expired token")
	}

	if claims.ID != "" && s.redis != nil {
		revoked, err := s.redis.Exists(ctx, blacklistPrefix+claims.ID).Result()
		if err == nil && revoked > 0 {
			return nil, models.NewUnauthorizedError("Token has been revoked")
		}
	}
	return claims, nil
}

func setUser(c *fiber.Ctx, userID uint) {
	c.Locals("userID", userID)
	c.SetUserContext(context.WithValue(c.UserContext(), middleware.UserIDKey, userID))
}

// AuthRequired rejects requests without a valid token and stores the user ID
// and claims in locals.
func (s *Server) AuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := bearerToken(c)
		if tokenString == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Authorization required"))
		}

		claims, err := s.parseToken(c.UserContext(), tokenString)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized, err)
		}
		userID, err := claims.userID()
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Invalid user ID in token"))
		}

		setUser(c, userID)
		c.Locals("claims", claims)
		return c.Next()
	}
}

// optionalUserID reads the token when one is sent but never rejects.
func (s *Server) optionalUserID(c *fiber.Ctx) (uint, bool) {
	if id, ok := c.Locals("userID").(uint); ok {
		return id, true
	}
	tokenString := bearerToken(c)
	if tokenString == "" {
		return 0, false
	}
	claims, err := s.parseToken(c.UserContext(), tokenString)
	if err != nil {
		return 0, false
	}
	userID, err := claims.userID()
	if err != nil {
		return 0, false
	}
	setUser(c, userID)
	return userID, true
}

// viewer resolves who the request acts as. A token for a user that no
// longer exists reads as anonymous on public routes and 401 behind
// AuthRequired.
func (s *Server) viewer(c *fiber.Ctx) (policy.Viewer, error) {
	_, required := c.Locals("claims").(*tokenClaims)
	userID, ok := s.optionalUserID(c)
	if !ok {
		return policy.Anonymous(), nil
	}

	v, err := s.userService.LoadViewer(c.UserContext(), userID)
	if err == nil {
		return v, nil
	}
	if models.ErrorCode(err) != models.CodeNotFound {
		return policy.Anonymous(), err
	}
	if required {
		return policy.Anonymous(), models.NewUnauthorizedError("User no longer exists")
	}
	return policy.Anonymous(), nil
}

// AdminRequired rejects non-admin users with 403. It must follow AuthRequired.
func (s *Server) AdminRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		v, err := s.viewer(c)
		if err != nil {
			return s.respondServiceError(c, err)
		}
		if !v.Admin {
			return models.RespondWithError(c, fiber.StatusForbidden,
				models.NewForbiddenError("Admin access required"))
		}
		return c.Next()
	}
}
