// purge.go — очистка soft-deleted записей после срока хранения.
//
// Единственный компонент, удаляющий байты блобов. Блоб удаляется, только
// если на его хэш не осталось ни одной строки журнала (дедупликация:
// новая загрузка того же содержимого ссылается на тот же блоб).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/media-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/blobstore"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/wal"
)

// Prometheus метрики очистки
var (
	purgeRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_purge_runs_total",
		Help: "Общее количество запусков очистки",
	})

	purgeRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_purge_records_total",
		Help: "Общее количество очищенных записей",
	})

	purgeBlobsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_purge_blobs_deleted_total",
		Help: "Общее количество блобов, удалённых очисткой",
	})

	purgeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ms_purge_duration_seconds",
		Help:    "Длительность очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// PurgeResult — результат одного запуска очистки.
type PurgeResult struct {
	// Purged — количество удалённых записей
	Purged int `json:"purged"`
	// BlobsDeleted — количество удалённых блобов
	BlobsDeleted int `json:"blobsDeleted"`
	// Errors — количество записей, которые не удалось очистить
	Errors int `json:"errors"`
	// Duration — длительность выполнения
	Duration time.Duration `json:"duration"`
}

// PurgeService — очистка soft-deleted записей.
type PurgeService struct {
	walEngine *wal.WAL
	store     *blobstore.Store
	ledger    Ledger
	retention time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex // защита от параллельного запуска RunOnce
}

// NewPurgeService создаёт сервис очистки.
func NewPurgeService(
	walEngine *wal.WAL,
	store *blobstore.Store,
	ledger Ledger,
	retention time.Duration,
	batchSize int,
	logger *slog.Logger,
) *PurgeService {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &PurgeService{
		walEngine: walEngine,
		store:     store,
		ledger:    ledger,
		retention: retention,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "purge")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce удаляет все записи с deletedAt + retention <= now.
// Ошибки отдельных записей логируются, запись остаётся до следующего запуска.
func (p *PurgeService) RunOnce(ctx context.Context) *PurgeResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	result := &PurgeResult{}
	now := p.now()
	cutoff := now.Add(-p.retention)

	for ctx.Err() == nil {
		batch, err := p.ledger.ListPurgeable(ctx, cutoff, p.batchSize)
		if err != nil {
			p.logger.Error("Ошибка выборки записей для очистки", slog.String("error", err.Error()))
			result.Errors++
			break
		}
		if len(batch) == 0 {
			break
		}

		progress := 0
		for _, rec := range batch {
			if !rec.PurgeEligible(now, p.retention) {
				// живая или ещё не истёкшая запись не удаляется
				p.logger.Warn("Запись не подлежит очистке, пропущена",
					slog.Int64("media_id", rec.ID),
				)
				continue
			}
			purged, blobDeleted, err := p.purgeOne(ctx, rec)
			if err != nil {
				p.logger.Error("Ошибка очистки записи",
					slog.Int64("media_id", rec.ID),
					slog.String("hash", rec.ContentHash),
					slog.String("error", err.Error()),
				)
				result.Errors++
				continue
			}
			progress++
			if !purged {
				continue
			}
			result.Purged++
			if blobDeleted {
				result.BlobsDeleted++
			}
		}
		// Ни одна запись пачки не очищена: следующая выборка вернёт те же
		if progress == 0 || len(batch) < p.batchSize {
			break
		}
	}

	result.Duration = time.Since(start)

	purgeRunsTotal.Inc()
	purgeRecordsTotal.Add(float64(result.Purged))
	purgeBlobsDeletedTotal.Add(float64(result.BlobsDeleted))
	purgeDurationSeconds.Observe(result.Duration.Seconds())

	p.logger.Info(fmt.Sprintf("Очищено записей: %d", result.Purged),
		slog.Int("purged", result.Purged),
		slog.Int("blobs_deleted", result.BlobsDeleted),
		slog.Int("errors", result.Errors),
		slog.Duration("retention", p.retention),
		slog.Duration("duration", result.Duration),
	)
	return result
}

// purgeOne удаляет строку и, если ссылок не осталось, блоб.
// Выполняется под LockHash: финализация того же хэша ждёт, поэтому
// между подсчётом ссылок и удалением блоба новая строка не появится.
func (p *PurgeService) purgeOne(ctx context.Context, rec *model.MediaRecord) (purged, blobDeleted bool, err error) {
	unlock := p.store.LockHash(rec.ContentHash)
	defer unlock()

	entry, err := p.walEngine.StartTransaction(wal.OpMediaPurge, wal.Ref{
		BlobHash: rec.ContentHash,
		MediaID:  rec.ID,
	})
	if err != nil {
		return false, false, fmt.Errorf("создание WAL-транзакции: %w", err)
	}

	if err := p.ledger.PurgeMedia(ctx, rec.ID); err != nil {
		p.rollback(entry.TransactionID)
		if errors.Is(err, model.ErrNotFound) {
			// Запись уже очищена параллельно
			return false, false, nil
		}
		return false, false, fmt.Errorf("удаление записи: %w", err)
	}

	refs, err := p.ledger.CountByHash(ctx, rec.ContentHash)
	if err != nil {
		// Строка удалена, блоб остаётся: восстановление WAL завершит удаление
		return true, false, fmt.Errorf("подсчёт ссылок: %w", err)
	}
	if refs == 0 {
		if err := p.store.Delete(rec.ContentHash); err != nil {
			return true, false, fmt.Errorf("удаление блоба: %w", err)
		}
		blobDeleted = true
	}

	if err := p.walEngine.Commit(entry.TransactionID); err != nil {
		p.logger.Error("Ошибка коммита WAL (очистка выполнена)",
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	p.logger.Debug("Запись очищена",
		slog.Int64("media_id", rec.ID),
		slog.String("hash", rec.ContentHash),
		slog.Bool("blob_deleted", blobDeleted),
	)
	return true, blobDeleted, nil
}

func (p *PurgeService) rollback(txID string) {
	if err := p.walEngine.Rollback(txID); err != nil {
		p.logger.Error("Ошибка отката WAL",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}
