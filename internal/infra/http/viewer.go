package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"storytime/internal/domain"
)

const (
	// ViewerHeader содержит подписанный контекст зрителя от слоя авторизации.
	ViewerHeader = "X-Viewer-Context"
	// DeviceHeader передаёт идентификатор устройства.
	DeviceHeader = "X-Device-ID"
	// DeviceCookie хранит выданный идентификатор устройства.
	DeviceCookie = "device_id"

	viewerMaxAge = 24 * time.Hour
)

type ctxKey int

const (
	viewerKey ctxKey = iota
	deviceKey
)

// ViewerFromContext возвращает зрителя запроса. Без middleware зритель анонимный.
func ViewerFromContext(ctx context.Context) domain.ViewerContext {
	v, _ := ctx.Value(viewerKey).(domain.ViewerContext)
	return v
}

// WithViewer кладёт зрителя в контекст.
func WithViewer(ctx context.Context, v domain.ViewerContext) context.Context {
	return context.WithValue(ctx, viewerKey, v)
}

// DeviceFromContext возвращает идентификатор устройства запроса.
func DeviceFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deviceKey).(string)
	return id
}

// ViewerMiddleware проверяет подпись контекста зрителя. Отсутствие заголовка
// означает анонимного зрителя, неверная подпись отклоняется.
func ViewerMiddleware(secret string, now func() time.Time) func(http.Handler) http.Handler {
	key := sha256.Sum256([]byte(secret))
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(ViewerHeader)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			viewer, err := parseViewerContext(raw, key[:], now())
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "invalid_viewer", err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithViewer(r.Context(), viewer)))
		})
	}
}

// SignViewerContext формирует значение заголовка для зрителя.
func SignViewerContext(secret string, v domain.ViewerContext, issuedAt time.Time) string {
	key := sha256.Sum256([]byte(secret))
	values := url.Values{}
	values.Set("user_id", v.UserID)
	values.Set("subscription", strconv.FormatBool(v.SubscriptionActive))
	values.Set("admin", strconv.FormatBool(v.IsAdmin))
	values.Set("auth_date", strconv.FormatInt(issuedAt.Unix(), 10))
	if v.GenderPreference != "" {
		values.Set("gender", string(v.GenderPreference))
	}
	values.Set("hash", hex.EncodeToString(signValues(values, key[:])))
	return values.Encode()
}

func signValues(values url.Values, key []byte) []byte {
	lines := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		lines = append(lines, k+"="+values.Get(k))
	}
	sort.Strings(lines)
	h := hmac.New(sha256.New, key)
	h.Write([]byte(strings.Join(lines, "\n")))
	return h.Sum(nil)
}

type viewerError string

func (e viewerError) Error() string { return string(e) }

func parseViewerContext(raw string, key []byte, now time.Time) (domain.ViewerContext, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return domain.ViewerContext{}, viewerError("контекст зрителя не разобран")
	}
	expected, err := hex.DecodeString(values.Get("hash"))
	if err != nil || len(expected) == 0 {
		return domain.ViewerContext{}, viewerError("подпись отсутствует")
	}
	if !hmac.Equal(signValues(values, key), expected) {
		return domain.ViewerContext{}, viewerError("подпись недействительна")
	}
	issued, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil || now.Sub(time.Unix(issued, 0)) > viewerMaxAge {
		return domain.ViewerContext{}, viewerError("контекст зрителя устарел")
	}
	subscription, _ := strconv.ParseBool(values.Get("subscription"))
	admin, _ := strconv.ParseBool(values.Get("admin"))
	gender, _ := domain.ParseGender(values.Get("gender"))
	userID := values.Get("user_id")
	return domain.ViewerContext{
		UserID:             userID,
		IsAuthenticated:    userID != "",
		SubscriptionActive: subscription,
		GenderPreference:   gender,
		IsAdmin:            admin,
	}, nil
}

// DeviceMiddleware определяет устройство по заголовку или cookie и выдаёт
// новый идентификатор, если его нет.
func DeviceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(DeviceHeader))
		if id == "" {
			if c, err := r.Cookie(DeviceCookie); err == nil {
				id = strings.TrimSpace(c.Value)
			}
		}
		if id == "" {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     DeviceCookie,
				Value:    id,
				Path:     "/",
				MaxAge:   int((365 * 24 * time.Hour).Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceKey, id)))
	})
}

// AdminMiddleware пропускает администраторов из контекста зрителя и запросы
// с верным Bearer-токеном.
func AdminMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ViewerFromContext(r.Context()).IsAdmin {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "требуется токен администратора")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				WriteError(w, http.StatusForbidden, "forbidden", "неверный токен администратора")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteJSON отправляет ответ в JSON.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}
