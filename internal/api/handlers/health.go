// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/goartstore/media-sync/internal/api/generated"
	"github.com/bigkaa/goartstore/media-sync/internal/config"
)

const (
	statusOK   = "ok"
	statusFail = "fail"

	serviceName = "media-sync"
	// ledgerCheckTimeout — предел ожидания журнала в readiness
	ledgerCheckTimeout = 2 * time.Second
)

// LedgerPinger — проверка доступности журнала.
type LedgerPinger interface {
	CountLive(ctx context.Context) (int64, error)
}

// DatabaseChecker — проверка готовности PostgreSQL (database.ReadinessChecker).
type DatabaseChecker interface {
	CheckReady() (status string, message string)
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	// tempDir — директория частичных загрузок (проверка записи)
	tempDir string
	// walDir — путь к директории WAL
	walDir string
	ledger LedgerPinger
	db     DatabaseChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
// Пустые пути и nil ledger отключают соответствующие проверки.
func NewHealthHandler(tempDir, walDir string, ledger LedgerPinger) *HealthHandler {
	return &HealthHandler{
		tempDir: tempDir,
		walDir:  walDir,
		ledger:  ledger,
	}
}

// WithDatabase добавляет в readiness проверку PostgreSQL.
func (h *HealthHandler) WithDatabase(db DatabaseChecker) *HealthHandler {
	h.db = db
	return h
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, generated.HealthResponse{
		Status:    generated.HealthResponseStatusOk,
		Timestamp: time.Now().UTC(),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady обрабатывает GET /health/ready.
// Хранилище и журнал обязательны, недоступный WAL — degraded.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	overall := generated.HealthResponseStatusOk
	httpStatus := http.StatusOK

	storageCheck := checkWritable(h.tempDir, "Директория хранилища")
	walCheck := checkWritable(h.walDir, "Директория WAL")
	ledgerCheck := h.checkLedger(r.Context())

	if storageCheck.Status != statusOK || ledgerCheck.Status != statusOK {
		overall = generated.HealthResponseStatusFail
		httpStatus = http.StatusServiceUnavailable
	} else if walCheck.Status != statusOK {
		overall = generated.HealthResponseStatusDegraded
	}

	checks := map[string]generated.HealthCheck{
		"storage": storageCheck,
		"wal":     walCheck,
		"ledger":  ledgerCheck,
	}
	if h.db != nil {
		status, message := h.db.CheckReady()
		checks["database"] = generated.HealthCheck{Status: status, Message: &message}
		if status != statusOK {
			overall = generated.HealthResponseStatusFail
			httpStatus = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, httpStatus, generated.HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Version:   config.Version,
		Service:   serviceName,
		Checks:    &checks,
	})
}

func (h *HealthHandler) checkLedger(ctx context.Context) generated.HealthCheck {
	if h.ledger == nil {
		return notConfigured()
	}
	ctx, cancel := context.WithTimeout(ctx, ledgerCheckTimeout)
	defer cancel()
	if _, err := h.ledger.CountLive(ctx); err != nil {
		msg := "Журнал недоступен: " + err.Error()
		return generated.HealthCheck{Status: statusFail, Message: &msg}
	}
	return generated.HealthCheck{Status: statusOK}
}

// checkWritable проверяет, что в директорию можно записать файл.
func checkWritable(dir, what string) generated.HealthCheck {
	if dir == "" {
		return notConfigured()
	}
	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		msg := what + " недоступна для записи: " + err.Error()
		return generated.HealthCheck{Status: statusFail, Message: &msg}
	}
	_ = os.Remove(testFile)
	return generated.HealthCheck{Status: statusOK}
}

func notConfigured() generated.HealthCheck {
	msg := "Проверка не настроена"
	return generated.HealthCheck{Status: statusOK, Message: &msg}
}
