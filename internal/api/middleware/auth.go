package middleware

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures JWTMiddleware.
type JWTConfig struct {
	SecretKey    string
	Expiration   time.Duration
	Issuer       string
	SkipPaths    []string // paths that don't require authentication
	AllowedRoles []string // empty = all roles allowed
}

// Operator API role names. RoleOperator may issue connection-affecting
// calls; RoleViewer is read-only. Neither is enforced by JWTMiddleware
// itself (that only checks JWTConfig.AllowedRoles) — route handlers
// consult claims.Roles directly where the distinction matters.
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Claims is the JWT payload issued to an operator API caller. NodeScope
// restricts which PLC node IDs this token may read connection data for;
// an empty NodeScope means every node the server knows about, which is
// what GenerateToken defaults to for a single-node deployment.
type Claims struct {
	UserID    string   `json:"user_id"`
	Username  string   `json:"username"`
	Roles     []string `json:"roles"`
	NodeScope []int    `json:"node_scope,omitempty"`
	jwt.RegisteredClaims
}

// AllowsNode reports whether these claims permit access to nodeID.
func (c *Claims) AllowsNode(nodeID int) bool {
	if len(c.NodeScope) == 0 {
		return true
	}
	for _, n := range c.NodeScope {
		if n == nodeID {
			return true
		}
	}
	return false
}

// JWTMiddleware returns a fiber.Handler that requires a valid bearer
// token on every request whose path doesn't match config.SkipPaths.
func JWTMiddleware(config JWTConfig) fiber.Handler {
	if config.Expiration == 0 {
		config.Expiration = 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "plcnode"
	}
	if config.SecretKey == "" {
		config.SecretKey = "plcnode-secret-key-change-in-production"
	}

	return func(c *fiber.Ctx) error {
		path := c.Path()
		for _, skipPath := range config.SkipPaths {
			if strings.HasPrefix(path, skipPath) {
				return c.Next()
			}
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing authorization header",
			})
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid authorization header format",
			})
		}

		token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(config.SecretKey), nil
		})
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid token: " + err.Error(),
			})
		}

		claims, ok := token.Claims.(*Claims)
		if !ok || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid token claims",
			})
		}

		if len(config.AllowedRoles) > 0 {
			hasRole := false
			for _, allowedRole := range config.AllowedRoles {
				for _, userRole := range claims.Roles {
					if userRole == allowedRole {
						hasRole = true
						break
					}
				}
				if hasRole {
					break
				}
			}
			if !hasRole {
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
					"error": "insufficient permissions",
				})
			}
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("username", claims.Username)
		c.Locals("roles", claims.Roles)
		c.Locals("claims", claims)

		return c.Next()
	}
}

// RequireNodeScope returns a fiber.Handler, installed after JWTMiddleware,
// that rejects a request whose path carries a ":nodeId" param the caller's
// token isn't scoped to (Claims.NodeScope). Routes with no ":nodeId" param
// are left alone.
func RequireNodeScope() fiber.Handler {
	return func(c *fiber.Ctx) error {
		nodeIDParam := c.Params("nodeId")
		if nodeIDParam == "" {
			return c.Next()
		}

		claims, ok := c.Locals("claims").(*Claims)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing token claims"})
		}

		nodeID, err := strconv.Atoi(nodeIDParam)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid nodeId"})
		}
		if !claims.AllowsNode(nodeID) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "token not scoped to this node"})
		}

		return c.Next()
	}
}

// GenerateToken issues a signed JWT for userID/username with the given
// roles.
func GenerateToken(userID, username string, roles []string, config JWTConfig) (string, error) {
	if config.Expiration == 0 {
		config.Expiration = 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "plcnode"
	}
	if config.SecretKey == "" {
		config.SecretKey = "plcnode-secret-key-change-in-production"
	}

	claims := Claims{
		UserID:   userID,
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(config.Expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    config.Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString([]byte(config.SecretKey))
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// ValidateToken parses and validates tokenString, returning its claims.
func ValidateToken(tokenString string, config JWTConfig) (*Claims, error) {
	if config.SecretKey == "" {
		config.SecretKey = "plcnode-secret-key-change-in-production"
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(config.SecretKey), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
