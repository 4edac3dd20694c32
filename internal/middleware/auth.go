// Package middleware содержит HTTP middleware сервиса приёма заказов.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/orderdesk/internal/model"
)

type contextKey string

const actorKey contextKey = "actor"

const (
	authCookieName = "terminal_session"
	authCookieTTL  = 30 * 24 * time.Hour
)

// AuthMiddleware проверяет сессию терминала по подписанному токену.
// Токен передаётся в cookie или в заголовке Authorization: Bearer.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Без ключа генерируется случайный, и выданные токены живут до перезапуска.
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

// Middleware проверяет токен сессии и добавляет оператора и филиал в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		actor, ok := a.parseToken(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := WithActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(authCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// IssueToken возвращает подписанный токен сессии терминала.
func (a *AuthMiddleware) IssueToken(actor model.Actor) string {
	payload := strconv.FormatInt(actor.OperatorID, 10) + "." + actor.BranchID
	return payload + "." + a.sign(payload)
}

// SetAuthCookie выдаёт токен сессии в cookie и возвращает его.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, actor model.Actor) string {
	value := a.IssueToken(actor)

	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
	return value
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseToken разбирает токен вида "<operator>.<branch>.<signature>".
// Идентификатор филиала может содержать точки.
func (a *AuthMiddleware) parseToken(token string) (model.Actor, bool) {
	sigAt := strings.LastIndex(token, ".")
	if sigAt <= 0 {
		return model.Actor{}, false
	}
	payload, signature := token[:sigAt], token[sigAt+1:]

	if !hmac.Equal([]byte(signature), []byte(a.sign(payload))) {
		return model.Actor{}, false
	}

	idStr, branchID, ok := strings.Cut(payload, ".")
	if !ok || branchID == "" {
		return model.Actor{}, false
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return model.Actor{}, false
	}

	return model.Actor{OperatorID: id, BranchID: branchID}, true
}

// WithActor кладёт оператора терминала в контекст.
func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext извлекает оператора терминала из контекста запроса.
func ActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(model.Actor)
	return actor, ok
}
