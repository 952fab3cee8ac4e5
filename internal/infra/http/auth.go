package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"noteticket-bot/internal/infra/metrics"
)

// APIKeyMiddleware проверяет заголовок Authorization: Bearer <key>.
func APIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if provided == "" {
				WriteError(w, r, http.StatusUnauthorized, "MISSING_API_KEY", "API key is required")
				return
			}
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				WriteError(w, r, http.StatusUnauthorized, "INVALID_API_KEY", "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Admitter решает, пропускать ли запрос от идентификатора.
type Admitter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// RateLimitMiddleware ограничивает частоту запросов по первому адресу X-Forwarded-For.
// Запрос без заголовка попадает в общий пустой бакет.
func RateLimitMiddleware(admitter Admitter, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := ClientIdentifier(r)
			allowed, err := admitter.Allow(r.Context(), identifier)
			if err != nil {
				logger.Error().Err(err).Str("request_id", RequestID(r)).Msg("api: ошибка ограничителя запросов")
				WriteError(w, r, http.StatusInternalServerError, "DATABASE_ERROR", "Rate limiter unavailable")
				return
			}
			if !allowed {
				metrics.RateLimitRejections.Inc()
				WriteError(w, r, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many requests. Please try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIdentifier возвращает первый адрес из X-Forwarded-For или пустую строку.
func ClientIdentifier(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return ""
	}
	first, _, _ := strings.Cut(forwarded, ",")
	return strings.TrimSpace(first)
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// ErrorBody описывает ошибку API.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse оборачивает ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: RequestID(r),
	}})
}

// WriteJSON отправляет JSON с указанным статусом.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
