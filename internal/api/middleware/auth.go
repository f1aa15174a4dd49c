package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/d60-Lab/newsletter/pkg/response"
)

// UserIDKey 认证通过后 gin.Context 中保存 user_id 的键
const UserIDKey = "user_id"

var (
	ErrEmptySecret   = errors.New("jwt secret is empty")
	ErrInvalidUserID = errors.New("user id must be a uuid")
)

// Auth 校验 Bearer JWT（HS256），sub（uuid）作为 user_id 写入上下文。
// secret 为空时 panic。
func Auth(secret, issuer string) gin.HandlerFunc {
	if secret == "" {
		panic(ErrEmptySecret)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			response.Unauthorized(c, "missing bearer token")
			return
		}
		claims := &jwt.RegisteredClaims{}
		_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		if claims.Subject == "" {
			response.Unauthorized(c, "token has no subject")
			return
		}
		if _, err := uuid.Parse(claims.Subject); err != nil {
			response.Unauthorized(c, "token subject is not a user id")
			return
		}
		c.Set(UserIDKey, claims.Subject)
		c.Next()
	}
}

// GenerateToken 签发管理员令牌
func GenerateToken(secret, issuer, userID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	if _, err := uuid.Parse(userID); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
