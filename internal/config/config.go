// Пакет config — загрузка и валидация конфигурации media-sync
// из переменных окружения (и необязательного .env файла).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Драйверы журнала (ledger).
const (
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Config содержит все параметры конфигурации media-sync.
type Config struct {
	// Имя сервера (отдаётся в discovery и логах)
	ServerName string
	// Порт TLS-листенера протокола синхронизации
	SyncPort int
	// Порт HTTP-сервера административного API
	HTTPPort int
	// Максимальное число одновременных соединений синхронизации
	MaxConnections int
	// Таймаут чтения/записи одного пакета
	ConnTimeout time.Duration
	// Максимальный размер payload одного пакета
	MaxPayload int64
	// UDP-порт клиентов для анонса DISCOVERY (0 — анонс отключён)
	DiscoveryPort int
	// Период анонса DISCOVERY
	DiscoveryInterval time.Duration

	// Путь к TLS сертификату
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string
	// Отключение TLS (только для локальной разработки)
	TLSDisabled bool

	// Корневая директория данных
	DataDir string
	// Директория content-addressed блобов
	BlobDir string
	// Директория частичных загрузок
	TempDir string
	// Директория WAL
	WALDir string
	// Лимит объёма хранилища в байтах (0 — без лимита)
	MaxStorage int64

	// Драйвер журнала: postgres или memory
	LedgerDriver string
	DBHost       string
	DBPort       int
	DBName       string
	DBUser       string
	DBPassword   string
	DBSSLMode    string

	// Таймаут неактивности сессии загрузки
	UploadSessionTimeout time.Duration
	// Рекомендуемый размер чанка (отдаётся в UPLOAD_ACK)
	ChunkSize int64

	// Интервал обслуживания: reaper сессий + purge
	CleanupInterval time.Duration

	// Интервал тика сканера целостности
	IntegrityScanInterval time.Duration
	// Включить проверку хэшей (дорогой путь)
	IntegrityVerifyHash bool
	// Размер пачки записей при обходе журнала
	IntegrityBatchSize int
	// Интервал проверки отсутствующих блобов
	IntegrityMissingInterval time.Duration
	// Интервал выборочной проверки сирот
	IntegrityOrphanInterval time.Duration
	// Интервал полной проверки хэшей
	IntegrityFullInterval time.Duration
	// Размер выборки блобов при проверке сирот
	IntegrityOrphanSample int

	// Срок хранения soft-deleted записей
	RetentionPeriod time.Duration

	// Администратор HTTP API
	AdminUser         string
	AdminPasswordHash string
	AdminPassword     string
	// Порог неудачных попыток входа
	AuthMaxFailed int
	// Длительность блокировки
	AuthLockout time.Duration
	// Время жизни сессионного токена
	AuthSessionTTL time.Duration
	// HMAC-ключ сессионных токенов
	AuthSecret string
	// Стоимость bcrypt при хэшировании MS_ADMIN_PASSWORD
	BcryptCost int
	// Токен сопряжения устройств (пусто — trust on first use)
	PairingToken string
	// URL JWKS внешнего IdP (опционально)
	JWKSURL string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string

	// Таймаут graceful shutdown
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// значения и возвращает Config или ошибку.
// Перед разбором подгружается .env (MS_ENV_FILE), уже заданные переменные не перезаписываются.
func Load() (*Config, error) {
	if err := loadDotEnv(getEnvDefault("MS_ENV_FILE", ".env")); err != nil {
		return nil, fmt.Errorf("MS_ENV_FILE: %w", err)
	}

	cfg := &Config{}
	var err error

	cfg.ServerName = getEnvDefault("MS_SERVER_NAME", "media-sync")

	if cfg.SyncPort, err = getEnvPort("MS_SYNC_PORT", 8443); err != nil {
		return nil, err
	}
	if cfg.HTTPPort, err = getEnvPort("MS_HTTP_PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.SyncPort == cfg.HTTPPort {
		return nil, fmt.Errorf("MS_HTTP_PORT: совпадает с MS_SYNC_PORT (%d)", cfg.SyncPort)
	}

	cfg.MaxConnections, err = getEnvInt("MS_MAX_CONNECTIONS", 100)
	if err != nil {
		return nil, fmt.Errorf("MS_MAX_CONNECTIONS: %w", err)
	}
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("MS_MAX_CONNECTIONS: значение должно быть положительным")
	}

	if cfg.ConnTimeout, err = getEnvPositiveDuration("MS_CONN_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}

	cfg.DiscoveryPort, err = getEnvInt("MS_DISCOVERY_PORT", 50505)
	if err != nil {
		return nil, fmt.Errorf("MS_DISCOVERY_PORT: %w", err)
	}
	if cfg.DiscoveryPort < 0 || cfg.DiscoveryPort > 65535 {
		return nil, fmt.Errorf("MS_DISCOVERY_PORT: значение %d вне допустимого диапазона 0-65535", cfg.DiscoveryPort)
	}
	if cfg.DiscoveryInterval, err = getEnvPositiveDuration("MS_DISCOVERY_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}

	cfg.MaxPayload, err = getEnvInt64("MS_MAX_PAYLOAD", 100*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("MS_MAX_PAYLOAD: %w", err)
	}
	if cfg.MaxPayload <= 0 || cfg.MaxPayload > 1<<32-1 {
		return nil, fmt.Errorf("MS_MAX_PAYLOAD: значение %d вне диапазона 1..%d", cfg.MaxPayload, int64(1<<32-1))
	}

	cfg.TLSDisabled, err = getEnvBool("MS_TLS_DISABLED", false)
	if err != nil {
		return nil, fmt.Errorf("MS_TLS_DISABLED: %w", err)
	}
	cfg.TLSCert = getEnvDefault("MS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("MS_TLS_KEY", "")
	if !cfg.TLSDisabled && (cfg.TLSCert == "" || cfg.TLSKey == "") {
		return nil, fmt.Errorf("MS_TLS_CERT/MS_TLS_KEY: обязательны, если MS_TLS_DISABLED не установлена")
	}

	cfg.DataDir = getEnvDefault("MS_DATA_DIR", "/data")
	cfg.BlobDir = getEnvDefault("MS_BLOB_DIR", filepath.Join(cfg.DataDir, "blobs"))
	cfg.TempDir = getEnvDefault("MS_TEMP_DIR", filepath.Join(cfg.DataDir, "tmp"))
	cfg.WALDir = getEnvDefault("MS_WAL_DIR", filepath.Join(cfg.DataDir, "wal"))

	maxStorageGB, err := getEnvInt64("MS_MAX_STORAGE_GB", 0)
	if err != nil {
		return nil, fmt.Errorf("MS_MAX_STORAGE_GB: %w", err)
	}
	if maxStorageGB < 0 {
		return nil, fmt.Errorf("MS_MAX_STORAGE_GB: значение не может быть отрицательным")
	}
	cfg.MaxStorage = maxStorageGB * 1024 * 1024 * 1024

	cfg.LedgerDriver = getEnvDefault("MS_LEDGER_DRIVER", LedgerPostgres)
	if cfg.LedgerDriver != LedgerPostgres && cfg.LedgerDriver != LedgerMemory {
		return nil, fmt.Errorf("MS_LEDGER_DRIVER: недопустимое значение %q, допустимые: postgres, memory", cfg.LedgerDriver)
	}
	cfg.DBHost = getEnvDefault("MS_DB_HOST", "localhost")
	if cfg.DBPort, err = getEnvPort("MS_DB_PORT", 5432); err != nil {
		return nil, err
	}
	cfg.DBName = getEnvDefault("MS_DB_NAME", "mediasync")
	cfg.DBUser = getEnvDefault("MS_DB_USER", "mediasync")
	cfg.DBPassword = getEnvDefault("MS_DB_PASSWORD", "")
	cfg.DBSSLMode = getEnvDefault("MS_DB_SSL_MODE", "disable")
	if cfg.LedgerDriver == LedgerPostgres && cfg.DBPassword == "" {
		return nil, fmt.Errorf("MS_DB_PASSWORD: обязательная переменная окружения не задана")
	}

	if cfg.UploadSessionTimeout, err = getEnvPositiveDuration("MS_UPLOAD_SESSION_TIMEOUT", 24*time.Hour); err != nil {
		return nil, err
	}
	cfg.ChunkSize, err = getEnvInt64("MS_CHUNK_SIZE", 1024*1024)
	if err != nil {
		return nil, fmt.Errorf("MS_CHUNK_SIZE: %w", err)
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > cfg.MaxPayload {
		return nil, fmt.Errorf("MS_CHUNK_SIZE: значение %d должно быть в диапазоне 1..MS_MAX_PAYLOAD", cfg.ChunkSize)
	}

	if cfg.CleanupInterval, err = getEnvPositiveDuration("MS_CLEANUP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}

	if cfg.IntegrityScanInterval, err = getEnvPositiveDuration("MS_INTEGRITY_SCAN_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	cfg.IntegrityVerifyHash, err = getEnvBool("MS_INTEGRITY_VERIFY_HASH", false)
	if err != nil {
		return nil, fmt.Errorf("MS_INTEGRITY_VERIFY_HASH: %w", err)
	}
	cfg.IntegrityBatchSize, err = getEnvInt("MS_INTEGRITY_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("MS_INTEGRITY_BATCH_SIZE: %w", err)
	}
	if cfg.IntegrityBatchSize <= 0 {
		return nil, fmt.Errorf("MS_INTEGRITY_BATCH_SIZE: значение должно быть положительным")
	}
	if cfg.IntegrityMissingInterval, err = getEnvPositiveDuration("MS_INTEGRITY_MISSING_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.IntegrityOrphanInterval, err = getEnvPositiveDuration("MS_INTEGRITY_ORPHAN_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.IntegrityFullInterval, err = getEnvPositiveDuration("MS_INTEGRITY_FULL_INTERVAL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	cfg.IntegrityOrphanSample, err = getEnvInt("MS_INTEGRITY_ORPHAN_SAMPLE", 1000)
	if err != nil {
		return nil, fmt.Errorf("MS_INTEGRITY_ORPHAN_SAMPLE: %w", err)
	}
	if cfg.IntegrityOrphanSample <= 0 {
		return nil, fmt.Errorf("MS_INTEGRITY_ORPHAN_SAMPLE: значение должно быть положительным")
	}

	retentionDays, err := getEnvInt("MS_RETENTION_DAYS", 30)
	if err != nil {
		return nil, fmt.Errorf("MS_RETENTION_DAYS: %w", err)
	}
	if retentionDays < 0 {
		return nil, fmt.Errorf("MS_RETENTION_DAYS: значение не может быть отрицательным")
	}
	cfg.RetentionPeriod = time.Duration(retentionDays) * 24 * time.Hour

	cfg.AdminUser = getEnvDefault("MS_ADMIN_USER", "admin")
	cfg.AdminPasswordHash = getEnvDefault("MS_ADMIN_PASSWORD_HASH", "")
	cfg.AdminPassword = getEnvDefault("MS_ADMIN_PASSWORD", "")
	if cfg.AdminPasswordHash == "" && cfg.AdminPassword == "" {
		return nil, fmt.Errorf("MS_ADMIN_PASSWORD_HASH: задайте хэш пароля или MS_ADMIN_PASSWORD")
	}
	cfg.AuthMaxFailed, err = getEnvInt("MS_AUTH_MAX_FAILED", 5)
	if err != nil {
		return nil, fmt.Errorf("MS_AUTH_MAX_FAILED: %w", err)
	}
	if cfg.AuthMaxFailed <= 0 {
		return nil, fmt.Errorf("MS_AUTH_MAX_FAILED: значение должно быть положительным")
	}
	if cfg.AuthLockout, err = getEnvPositiveDuration("MS_AUTH_LOCKOUT", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AuthSessionTTL, err = getEnvPositiveDuration("MS_AUTH_SESSION_TTL", time.Hour); err != nil {
		return nil, err
	}
	cfg.AuthSecret = getEnvDefault("MS_AUTH_SECRET", "")
	cfg.BcryptCost, err = getEnvInt("MS_BCRYPT_COST", 12)
	if err != nil {
		return nil, fmt.Errorf("MS_BCRYPT_COST: %w", err)
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, fmt.Errorf("MS_BCRYPT_COST: значение %d вне диапазона 4-31", cfg.BcryptCost)
	}
	cfg.PairingToken = getEnvDefault("MS_PAIRING_TOKEN", "")
	cfg.JWKSURL = getEnvDefault("MS_JWT_JWKS_URL", "")

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("MS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("MS_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("MS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("MS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.DephealthCheckInterval, err = getEnvPositiveDuration("MS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	cfg.DephealthGroup = getEnvDefault("MS_DEPHEALTH_GROUP", "media-sync")

	if cfg.ShutdownTimeout, err = getEnvPositiveDuration("MS_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для меток topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// loadDotEnv подгружает переменные из .env файла, если он существует.
// godotenv.Load не перезаписывает уже заданные переменные окружения.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	return nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvPort возвращает номер порта с проверкой диапазона.
func getEnvPort(key string, defaultVal int) (int, error) {
	port, err := getEnvInt(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%s: значение %d вне допустимого диапазона 1-65535", key, port)
	}
	return port, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// getEnvPositiveDuration — getEnvDuration с проверкой d > 0 и префиксом ключа в ошибке.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: длительность должна быть положительной", key)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
