// maintenance.go — периодическое обслуживание: истёкшие сессии загрузки,
// очистка soft-deleted записей, завершённые WAL-транзакции, gauge-метрики.
//
// Запускается как горутина с периодическим тикером (MS_CLEANUP_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/media-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/blobstore"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/wal"
)

// walRetention — сколько хранить завершённые WAL-транзакции.
const walRetention = 24 * time.Hour

// MaintenanceResult — результат одного цикла обслуживания.
type MaintenanceResult struct {
	Reaped     int
	Purge      *PurgeResult
	WALCleaned int
}

// MaintenanceService — фоновый цикл обслуживания.
type MaintenanceService struct {
	uploads   *UploadManager
	purge     *PurgeService
	walEngine *wal.WAL
	store     *blobstore.Store
	ledger    Ledger
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaintenanceService создаёт сервис обслуживания.
func NewMaintenanceService(
	uploads *UploadManager,
	purge *PurgeService,
	walEngine *wal.WAL,
	store *blobstore.Store,
	ledger Ledger,
	interval time.Duration,
	logger *slog.Logger,
) *MaintenanceService {
	return &MaintenanceService{
		uploads:   uploads,
		purge:     purge,
		walEngine: walEngine,
		store:     store,
		ledger:    ledger,
		interval:  interval,
		logger:    logger.With(slog.String("component", "maintenance")),
	}
}

// Start запускает фоновую горутину. Первый цикл — сразу после старта.
func (ms *MaintenanceService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	ms.cancel = cancel

	ms.wg.Add(1)
	go ms.run(runCtx)

	ms.logger.Info("Обслуживание запущено",
		slog.String("interval", ms.interval.String()),
	)
}

// Stop останавливает фоновую горутину и ждёт завершения текущего цикла.
func (ms *MaintenanceService) Stop() {
	if ms.cancel != nil {
		ms.cancel()
	}
	ms.wg.Wait()
	ms.logger.Info("Обслуживание остановлено")
}

func (ms *MaintenanceService) run(ctx context.Context) {
	defer ms.wg.Done()

	ms.RunOnce(ctx)

	ticker := time.NewTicker(ms.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ms.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл: reaper → purge → очистка WAL → метрики.
func (ms *MaintenanceService) RunOnce(ctx context.Context) *MaintenanceResult {
	result := &MaintenanceResult{}

	result.Reaped = ms.uploads.Reap(time.Now().UTC())
	result.Purge = ms.purge.RunOnce(ctx)

	cleaned, err := ms.walEngine.CleanCommitted(walRetention)
	if err != nil {
		ms.logger.Warn("Ошибка очистки WAL", slog.String("error", err.Error()))
	}
	result.WALCleaned = cleaned

	ms.updateGauges(ctx)
	return result
}

// updateGauges обновляет ms_media_total и ms_storage_bytes.
func (ms *MaintenanceService) updateGauges(ctx context.Context) {
	if live, err := ms.ledger.CountLive(ctx); err == nil {
		middleware.MediaTotal.WithLabelValues("live").Set(float64(live))
	} else {
		ms.logger.Warn("Ошибка подсчёта записей", slog.String("error", err.Error()))
	}
	if deleted, err := ms.ledger.CountSoftDeleted(ctx); err == nil {
		middleware.MediaTotal.WithLabelValues("soft_deleted").Set(float64(deleted))
	}
	if usage, err := ms.store.Usage(); err == nil {
		middleware.StorageBytes.Set(float64(usage.UsedBytes))
	}
}
