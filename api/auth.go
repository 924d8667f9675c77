package api

import (
	"crypto"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const identityKey = "identity"

type JWT struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Identity 是通過驗證的請求者身分
type Identity struct {
	UserID   uuid.UUID
	Username string
}

func ParseAndValidateJWT(tokenString string, secret crypto.Signer) (*JWT, error) {
	const op = "ParseJWT"
	token, err := jwt.ParseWithClaims(tokenString, &JWT{}, func(token *jwt.Token) (interface{}, error) {
		return secret.Public(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s: token is invalid", op)
	}
	claims, ok := token.Claims.(*JWT)
	if !ok {
		return nil, fmt.Errorf("%s: token claims are invalid", op)
	}
	return claims, nil
}

// IssueJWT 為指定的使用者簽發access token
func IssueJWT(config AuthConfig, userID uuid.UUID, username string) (string, error) {
	const op = "IssueJWT"
	token := jwt.NewWithClaims(&jwt.SigningMethodEd25519{}, JWT{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(config.ExpireDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    config.Issuer,
			Subject:   userID.String(),
			ID:        uuid.NewString(),
			Audience:  []string{config.Audience},
		},
	})
	signed, err := token.SignedString(config.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to sign JWT, err=%w", op, err)
	}
	return signed, nil
}

// authRequired 驗證請求的access token並將身分放入context
// token可以來自Authorization header或是cookie
func (impl *ServerImpl) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			tokenString = strings.TrimPrefix(header, "Bearer ")
		} else if cookie, err := c.Cookie("access_token"); err == nil {
			tokenString = cookie
		}
		if tokenString == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, err := ParseAndValidateJWT(tokenString, impl.config.Auth.PrivateKey)
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set(identityKey, Identity{UserID: userID, Username: claims.Username})
		c.Next()
	}
}

func identityFrom(c *gin.Context) Identity {
	return c.MustGet(identityKey).(Identity)
}
