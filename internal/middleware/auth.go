// Package middleware содержит HTTP middleware операторского API.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const callerIDKey contextKey = "callerID"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 30 * 24 * time.Hour
	bearerPrefix   = "Bearer "
)

// AuthMiddleware проверяет подписанный токен вызывающего.
// Токен имеет вид "<callerID>.<hex(hmac-sha256(callerID))>" и передаётся
// в заголовке Authorization или в cookie.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет токен и добавляет идентификатор вызывающего в контекст запроса.
// Право на конкретное действие проверяется отдельно.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		callerID, ok := a.ParseToken(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), callerIDKey, callerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}

	if cookie, err := r.Cookie(authCookieName); err == nil {
		return cookie.Value
	}

	return ""
}

// SetAuthCookie устанавливает cookie с токеном для указанного вызывающего.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, callerID string) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.IssueToken(callerID),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

// IssueToken подписывает идентификатор вызывающего.
func (a *AuthMiddleware) IssueToken(callerID string) string {
	return callerID + "." + a.sign(callerID)
}

// ParseToken проверяет подпись токена и возвращает идентификатор вызывающего.
func (a *AuthMiddleware) ParseToken(token string) (string, bool) {
	idx := strings.LastIndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return "", false
	}

	callerID, signature := token[:idx], token[idx+1:]

	if !hmac.Equal([]byte(signature), []byte(a.sign(callerID))) {
		return "", false
	}

	return callerID, true
}

func (a *AuthMiddleware) sign(callerID string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(callerID))
	return hex.EncodeToString(mac.Sum(nil))
}

// GetCallerIDFromContext извлекает идентификатор вызывающего из контекста запроса.
func GetCallerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerIDKey).(string)
	return id, ok
}
