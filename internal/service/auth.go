// auth.go — вход администратора: bcrypt, блокировка по IP, сессионные токены.
package service

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"

	"github.com/bigkaa/goartstore/media-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/media-sync/internal/config"
)

// maxTrackedClients — максимальное число IP в трекере неудачных попыток.
const maxTrackedClients = 10000

// ErrInvalidCredentials — неверный логин или пароль.
var ErrInvalidCredentials = errors.New("неверное имя пользователя или пароль")

// LockoutError — вход заблокирован после серии неудачных попыток.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("вход заблокирован, повторите через %s", e.RetryAfter.Round(time.Second))
}

// RetryAfterSeconds возвращает время до снятия блокировки, округлённое вверх.
func (e *LockoutError) RetryAfterSeconds() int64 {
	return int64(math.Ceil(e.RetryAfter.Seconds()))
}

// LoginResult — выданный сессионный токен.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// loginFailures — неудачные попытки одного IP.
type loginFailures struct {
	count       int
	lockedUntil time.Time
}

// AuthService — вход администратора HTTP API.
type AuthService struct {
	user         string
	passwordHash []byte
	secret       []byte
	maxFailed    int
	lockout      time.Duration
	sessionTTL   time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu       sync.Mutex
	failures *expirable.LRU[string, *loginFailures]
}

// NewAuthService создаёт сервис входа.
// Если задан только MS_ADMIN_PASSWORD, хэш bcrypt вычисляется при старте.
// Если MS_AUTH_SECRET пуст, ключ генерируется: токены не переживут рестарт.
func NewAuthService(cfg *config.Config, logger *slog.Logger) (*AuthService, error) {
	hash := []byte(cfg.AdminPasswordHash)
	if len(hash) == 0 {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), cfg.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("ошибка хэширования пароля администратора: %w", err)
		}
	} else if _, err := bcrypt.Cost(hash); err != nil {
		return nil, fmt.Errorf("MS_ADMIN_PASSWORD_HASH не является хэшем bcrypt: %w", err)
	}

	secret := []byte(cfg.AuthSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("ошибка генерации ключа токенов: %w", err)
		}
		logger.Warn("MS_AUTH_SECRET не задан, сессионные токены не переживут рестарт")
	}

	return &AuthService{
		user:         cfg.AdminUser,
		passwordHash: hash,
		secret:       secret,
		maxFailed:    cfg.AuthMaxFailed,
		lockout:      cfg.AuthLockout,
		sessionTTL:   cfg.AuthSessionTTL,
		now:          time.Now,
		logger:       logger.With(slog.String("component", "auth")),
		// TTL записи — окно блокировки: попытки, разнесённые меньше чем на окно, накапливаются
		failures: expirable.NewLRU[string, *loginFailures](maxTrackedClients, nil, cfg.AuthLockout),
	}, nil
}

// Secret возвращает HMAC-ключ сессионных токенов (для bearer middleware).
func (s *AuthService) Secret() []byte {
	return s.secret
}

// Login проверяет учётные данные и выдаёт сессионный токен.
// После maxFailed неудачных попыток с одного IP любая попытка в течение
// окна блокировки отклоняется с LockoutError, даже с верным паролем.
func (s *AuthService) Login(ip, user, password string) (*LoginResult, error) {
	now := s.now()

	s.mu.Lock()
	if f, ok := s.failures.Get(ip); ok && now.Before(f.lockedUntil) {
		s.mu.Unlock()
		middleware.OperationsTotal.WithLabelValues("login", "locked").Inc()
		return nil, &LockoutError{RetryAfter: f.lockedUntil.Sub(now)}
	}
	s.mu.Unlock()

	// bcrypt — вне мьютекса: сравнение намеренно медленное
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.user)) == 1
	passErr := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password))
	if !userOK || passErr != nil {
		return nil, s.recordFailure(ip, now)
	}

	s.mu.Lock()
	s.failures.Remove(ip)
	s.mu.Unlock()

	result, err := s.issueToken(user, now)
	if err != nil {
		return nil, err
	}
	middleware.OperationsTotal.WithLabelValues("login", "success").Inc()
	s.logger.Info("Вход администратора", slog.String("user", user), slog.String("ip", ip))
	return result, nil
}

// recordFailure учитывает неудачную попытку. Попытка, достигшая порога,
// сразу получает LockoutError.
func (s *AuthService) recordFailure(ip string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.failures.Get(ip)
	if !ok || (!f.lockedUntil.IsZero() && !now.Before(f.lockedUntil)) {
		f = &loginFailures{}
	}
	f.count++
	if f.count >= s.maxFailed {
		f.lockedUntil = now.Add(s.lockout)
	}
	s.failures.Add(ip, f)

	middleware.OperationsTotal.WithLabelValues("login", "failed").Inc()
	if !f.lockedUntil.IsZero() {
		s.logger.Warn("Вход заблокирован после неудачных попыток",
			slog.String("ip", ip),
			slog.Int("failures", f.count),
			slog.Duration("lockout", s.lockout),
		)
		return &LockoutError{RetryAfter: s.lockout}
	}
	return ErrInvalidCredentials
}

// issueToken подписывает HS256 токен со случайным sid.
func (s *AuthService) issueToken(user string, now time.Time) (*LoginResult, error) {
	sid := make([]byte, 32)
	if _, err := rand.Read(sid); err != nil {
		return nil, fmt.Errorf("ошибка генерации sid: %w", err)
	}
	expiresAt := now.Add(s.sessionTTL)
	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: hex.EncodeToString(sid),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("ошибка подписи токена: %w", err)
	}
	return &LoginResult{Token: token, ExpiresAt: expiresAt}, nil
}
