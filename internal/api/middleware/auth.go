// auth.go — bearer middleware административного API.
// Принимает сессионные токены media-sync (HS256, выдаются при входе)
// и, если задан MS_JWT_JWKS_URL, токены внешнего IdP (RS256 + JWKS).
// Публичные endpoints (health, metrics, login) — без аутентификации.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/goartstore/media-sync/internal/api/errors"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeySubject — ключ для sub из JWT в контексте запроса.
	ContextKeySubject contextKey = "jwt_subject"
	// ContextKeySessionID — ключ для sid из JWT в контексте запроса.
	ContextKeySessionID contextKey = "jwt_sid"
)

// Claims — claims сессионного токена.
type Claims struct {
	jwt.RegisteredClaims
	// SessionID — случайный идентификатор сессии (32 байта hex)
	SessionID string `json:"sid,omitempty"`
}

// JWTAuth — middleware для bearer-аутентификации.
type JWTAuth struct {
	secret    []byte
	jwks      keyfunc.Keyfunc
	jwtLeeway time.Duration
	logger    *slog.Logger
}

const (
	defaultJWKSClientTimeout   = 10 * time.Second
	defaultJWKSRefreshInterval = 15 * time.Minute
)

// JWTAuthConfig — параметры JWT middleware.
type JWTAuthConfig struct {
	// HMAC-ключ сессионных токенов
	Secret []byte
	// URL JWKS endpoint внешнего IdP (пусто — только сессионные токены)
	JWKSURL string
	// Таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	RefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
}

// NewJWTAuth создаёт JWT middleware.
func NewJWTAuth(authCfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	if len(authCfg.Secret) == 0 {
		return nil, errors.New("не задан ключ сессионных токенов")
	}
	j := &JWTAuth{
		secret:    authCfg.Secret,
		jwtLeeway: authCfg.JWTLeeway,
		logger:    logger.With(slog.String("component", "jwt_auth")),
	}
	if authCfg.JWKSURL == "" {
		return j, nil
	}
	if authCfg.ClientTimeout <= 0 {
		authCfg.ClientTimeout = defaultJWKSClientTimeout
	}
	if authCfg.RefreshInterval <= 0 {
		authCfg.RefreshInterval = defaultJWKSRefreshInterval
	}

	// NoErrorReturnFirstHTTPReq позволяет стартовать, даже если IdP
	// ещё недоступен
	storage, err := jwkset.NewStorageFromHTTP(authCfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: authCfg.ClientTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           authCfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", authCfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}
	j.jwks = k
	return j, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewJWTAuthWithKeyfunc(secret []byte, kf keyfunc.Keyfunc, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		secret: secret,
		jwks:   kf,
		logger: logger.With(slog.String("component", "jwt_auth")),
	}
}

// keyFunc выбирает ключ по алгоритму: HS256 — локальный секрет, RS256 — JWKS.
func (j *JWTAuth) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return j.secret, nil
		case *jwt.SigningMethodRSA:
			if j.jwks == nil {
				return nil, errors.New("внешние токены не настроены")
			}
			return j.jwks.KeyfuncCtx(ctx)(token)
		}
		return nil, fmt.Errorf("неподдерживаемый алгоритм %v", token.Header["alg"])
	}
}

// Validate проверяет токен и возвращает claims.
func (j *JWTAuth) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, j.keyFunc(ctx),
		jwt.WithValidMethods([]string{"HS256", "RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.jwtLeeway),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("невалидный токен")
	}
	return claims, nil
}

// Middleware возвращает HTTP middleware для bearer-аутентификации.
// Извлекает Bearer token из заголовка Authorization, проверяет подпись,
// exp/nbf, помещает sub и sid в контекст запроса.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			claims, err := j.Validate(r.Context(), tokenString)
			if err != nil {
				j.logger.Debug("JWT валидация не пройдена",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySubject, subject)
			ctx = context.WithValue(ctx, ContextKeySessionID, claims.SessionID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFromContext извлекает sub из контекста запроса.
// Возвращает пустую строку, если sub не найден.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(ContextKeySubject).(string)
	return subject
}

// SessionIDFromContext извлекает sid из контекста запроса.
func SessionIDFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(ContextKeySessionID).(string)
	return sid
}
