// auth.go — обработчик POST /api/auth/login.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	apierrors "github.com/bigkaa/goartstore/media-sync/internal/api/errors"
	"github.com/bigkaa/goartstore/media-sync/internal/api/generated"
	"github.com/bigkaa/goartstore/media-sync/internal/service"
)

// Authenticator проверяет учётные данные администратора.
type Authenticator interface {
	Login(ip, user, password string) (*service.LoginResult, error)
}

// AuthHandler — обработчик входа администратора.
type AuthHandler struct {
	auth   Authenticator
	logger *slog.Logger
}

// NewAuthHandler создаёт обработчик входа.
func NewAuthHandler(auth Authenticator, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

// Login обрабатывает POST /api/auth/login.
// Ответ 429 с retry_after после серии неудачных попыток с одного IP.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req generated.LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON в теле запроса")
		return
	}
	if req.Username == "" || req.Password == "" {
		apierrors.ValidationError(w, "Поля username и password обязательны")
		return
	}

	res, err := h.auth.Login(clientIP(r), req.Username, req.Password)
	if err != nil {
		var lockout *service.LockoutError
		switch {
		case errors.As(err, &lockout):
			apierrors.LockedOut(w, "Слишком много неудачных попыток входа", lockout.RetryAfterSeconds())
		case errors.Is(err, service.ErrInvalidCredentials):
			apierrors.Unauthorized(w, "Неверное имя пользователя или пароль")
		default:
			h.logger.Error("Ошибка входа", slog.String("error", err.Error()))
			apierrors.InternalError(w, "Внутренняя ошибка сервера")
		}
		return
	}

	writeJSON(w, http.StatusOK, generated.LoginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
	})
}

// clientIP — адрес клиента без порта. X-Forwarded-For не учитывается.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
