// maintenance.go — отчёт целостности, находки по категориям,
// ручной запуск проверки целостности и очистки.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/media-sync/internal/api/errors"
	"github.com/bigkaa/goartstore/media-sync/internal/api/generated"
	"github.com/bigkaa/goartstore/media-sync/internal/service"
)

// IntegrityRunner — интерфейс сканера целостности.
// Позволяет тестировать handler без полного IntegrityScanner.
type IntegrityRunner interface {
	// RunOnce выполняет проверку синхронно и возвращает объединённый отчёт.
	// ErrScanInProgress — проверка уже выполняется.
	RunOnce(ctx context.Context, kinds ...service.ScanKind) (*service.IntegrityReport, error)
	LastReport() service.IntegrityReport
	Findings(category service.FindingCategory) []service.Finding
}

// PurgeRunner — ручной запуск очистки soft-deleted записей.
type PurgeRunner interface {
	RunOnce(ctx context.Context) *service.PurgeResult
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	scanner IntegrityRunner
	purge   PurgeRunner
	logger  *slog.Logger
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(scanner IntegrityRunner, purge PurgeRunner, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{scanner: scanner, purge: purge, logger: logger}
}

// GetIntegrityReport обрабатывает GET /api/integrity.
func (h *MaintenanceHandler) GetIntegrityReport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.scanner.LastReport())
}

// ListIntegrityFindings обрабатывает GET /api/integrity/findings/{category}.
func (h *MaintenanceHandler) ListIntegrityFindings(w http.ResponseWriter, _ *http.Request, category string) {
	cat, err := service.ParseFindingCategory(category)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	findings := h.scanner.Findings(cat)
	items := make([]generated.Finding, 0, len(findings))
	for _, f := range findings {
		item := generated.Finding{
			Category:   string(f.Category),
			BlobHash:   f.BlobHash,
			DetectedAt: f.DetectedAt,
		}
		if f.MediaID != 0 {
			id := f.MediaID
			item.MediaId = &id
		}
		if f.Detail != "" {
			detail := f.Detail
			item.Detail = &detail
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, generated.FindingList{Category: string(cat), Items: items})
}

// RunIntegrityScan обрабатывает POST /api/maintenance/integrity?kind=.
// Без kind выполняются проверки по умолчанию. Если проверка уже идёт — 409.
func (h *MaintenanceHandler) RunIntegrityScan(w http.ResponseWriter, r *http.Request, params generated.RunIntegrityScanParams) {
	var kinds []service.ScanKind
	if params.Kind != nil {
		kind, err := service.ParseScanKind(*params.Kind)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		kinds = append(kinds, kind)
	}

	report, err := h.scanner.RunOnce(r.Context(), kinds...)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrScanInProgress):
			apierrors.ScanInProgress(w, "Проверка целостности уже выполняется")
		case errors.Is(err, service.ErrScannerStopped):
			apierrors.ServiceUnavailable(w, "Сканер целостности остановлен")
		default:
			h.logger.Error("Ошибка проверки целостности", slog.String("error", err.Error()))
			apierrors.InternalError(w, "Ошибка проверки целостности")
		}
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// RunPurge обрабатывает POST /api/maintenance/purge.
// Удаляет только записи с истёкшим сроком хранения.
func (h *MaintenanceHandler) RunPurge(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.purge.RunOnce(r.Context()))
}
