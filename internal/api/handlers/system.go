// system.go — обработчики GET /api/system/info и GET /api/openapi.json.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/media-sync/internal/api/errors"
	"github.com/bigkaa/goartstore/media-sync/internal/api/generated"
	"github.com/bigkaa/goartstore/media-sync/internal/config"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/blobstore"
)

// MediaCounter — счётчики записей журнала.
type MediaCounter interface {
	CountLive(ctx context.Context) (int64, error)
	CountSoftDeleted(ctx context.Context) (int64, error)
}

// UsageProvider — занятость хранилища блобов.
type UsageProvider interface {
	Usage() (blobstore.Usage, error)
}

// UploadCounter — число открытых сессий загрузки.
type UploadCounter interface {
	ActiveCount() int
}

// ConnectionCounter — число соединений синхронизации.
type ConnectionCounter interface {
	ActiveConnections() int
}

// DependencyHealth — состояние внешних зависимостей (nil — не настроены).
type DependencyHealth interface {
	Health() map[string]bool
}

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	serverName string
	counter    MediaCounter
	usage      UsageProvider
	uploads    UploadCounter
	conns      ConnectionCounter
	deps       DependencyHealth
	logger     *slog.Logger
}

// NewSystemHandler создаёт обработчик системных endpoints.
// conns и deps могут быть nil.
func NewSystemHandler(
	cfg *config.Config,
	counter MediaCounter,
	usage UsageProvider,
	uploads UploadCounter,
	conns ConnectionCounter,
	deps DependencyHealth,
	logger *slog.Logger,
) *SystemHandler {
	return &SystemHandler{
		serverName: cfg.ServerName,
		counter:    counter,
		usage:      usage,
		uploads:    uploads,
		conns:      conns,
		deps:       deps,
		logger:     logger,
	}
}

// GetSystemInfo обрабатывает GET /api/system/info.
func (h *SystemHandler) GetSystemInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	live, err := h.counter.CountLive(ctx)
	if err != nil {
		h.logger.Error("Ошибка подсчёта записей", slog.String("error", err.Error()))
		apierrors.ServiceUnavailable(w, "Журнал недоступен")
		return
	}
	deleted, err := h.counter.CountSoftDeleted(ctx)
	if err != nil {
		h.logger.Error("Ошибка подсчёта удалённых записей", slog.String("error", err.Error()))
		apierrors.ServiceUnavailable(w, "Журнал недоступен")
		return
	}

	resp := generated.SystemInfo{
		ServerName:    h.serverName,
		Version:       config.Version,
		Media:         generated.MediaCounts{Live: live, SoftDeleted: deleted},
		ActiveUploads: h.uploads.ActiveCount(),
	}

	if usage, err := h.usage.Usage(); err == nil {
		resp.Storage = generated.StorageUsage{
			UsedBytes:     usage.UsedBytes,
			MaxBytes:      usage.MaxBytes,
			DiskTotal:     usage.DiskTotal,
			DiskAvailable: usage.DiskAvailable,
		}
	} else {
		h.logger.Warn("Ошибка чтения занятости хранилища", slog.String("error", err.Error()))
	}

	if h.conns != nil {
		resp.SyncConnections = h.conns.ActiveConnections()
	}
	if h.deps != nil {
		health := h.deps.Health()
		resp.Dependencies = &health
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetOpenAPI обрабатывает GET /api/openapi.json.
func (h *SystemHandler) GetOpenAPI(w http.ResponseWriter, _ *http.Request) {
	doc, err := generated.GetSwagger()
	if err != nil {
		h.logger.Error("Ошибка загрузки OpenAPI контракта", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Контракт недоступен")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
