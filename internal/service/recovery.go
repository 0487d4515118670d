// recovery.go — разбор незавершённых WAL-транзакций после рестарта.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/bigkaa/goartstore/media-sync/internal/storage/attr"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/blobstore"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/wal"
)

// RecoveryResult — итог восстановления WAL.
type RecoveryResult struct {
	Committed    int
	RolledBack   int
	BlobsDeleted int
	Errors       int
}

// RecoverWAL завершает или откатывает pending транзакции.
// Вызывается при старте до UploadManager.Restore и до фоновых сервисов.
//
// Финализация: есть строка журнала с хэшем — коммит. Иначе откат; блоб
// без строки удаляется, если нет сессии, которая может повторить Finish.
//
// Purge: строка ещё существует — откат (следующий проход очистки повторит).
// Строка удалена — удаляем блоб, если на хэш больше нет ссылок, и коммитим.
func RecoverWAL(
	ctx context.Context,
	walEngine *wal.WAL,
	store *blobstore.Store,
	ledger Ledger,
	tempDir string,
	logger *slog.Logger,
) (*RecoveryResult, error) {
	log := logger.With(slog.String("component", "wal_recovery"))

	pending, err := walEngine.RecoverPending()
	if err != nil {
		return nil, fmt.Errorf("чтение pending транзакций: %w", err)
	}
	result := &RecoveryResult{}
	if len(pending) == 0 {
		return result, nil
	}

	for _, entry := range pending {
		var (
			commit  bool
			deleted bool
			err     error
		)
		switch entry.Operation {
		case wal.OpMediaFinalize:
			commit, deleted, err = recoverFinalize(ctx, store, ledger, tempDir, entry)
		case wal.OpMediaPurge:
			commit, deleted, err = recoverPurge(ctx, store, ledger, entry)
		default:
			err = fmt.Errorf("неизвестная операция %q", entry.Operation)
		}
		if err != nil {
			// Транзакция остаётся pending до следующего старта
			log.Error("Ошибка восстановления транзакции",
				slog.String("tx_id", entry.TransactionID),
				slog.String("operation", string(entry.Operation)),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		if deleted {
			result.BlobsDeleted++
		}
		if commit {
			err = walEngine.Commit(entry.TransactionID)
			result.Committed++
		} else {
			err = walEngine.Rollback(entry.TransactionID)
			result.RolledBack++
		}
		if err != nil {
			log.Error("Ошибка завершения WAL-транзакции",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		log.Info("Транзакция восстановлена",
			slog.String("tx_id", entry.TransactionID),
			slog.String("operation", string(entry.Operation)),
			slog.String("hash", entry.Ref.BlobHash),
			slog.Bool("committed", commit),
			slog.Bool("blob_deleted", deleted),
		)
	}

	log.Info("Восстановление WAL завершено",
		slog.Int("committed", result.Committed),
		slog.Int("rolled_back", result.RolledBack),
		slog.Int("blobs_deleted", result.BlobsDeleted),
		slog.Int("errors", result.Errors),
	)
	return result, nil
}

func recoverFinalize(
	ctx context.Context,
	store *blobstore.Store,
	ledger Ledger,
	tempDir string,
	entry *wal.Entry,
) (commit, deleted bool, err error) {
	hash := entry.Ref.BlobHash
	unlock := store.LockHash(hash)
	defer unlock()

	refs, err := ledger.CountByHash(ctx, hash)
	if err != nil {
		return false, false, err
	}
	if refs > 0 {
		return true, false, nil
	}

	// Сессия с attr.json переживёт рестарт: её Finish пройдёт по пути дедупликации
	if entry.Ref.UploadID != "" {
		_, statErr := os.Stat(attr.FilePath(tempDir, entry.Ref.UploadID))
		if statErr == nil {
			return false, false, nil
		}
		if !errors.Is(statErr, fs.ErrNotExist) {
			return false, false, statErr
		}
	}

	exists, err := store.Exists(hash)
	if err != nil || !exists {
		return false, false, err
	}
	if err := store.Delete(hash); err != nil {
		return false, false, err
	}
	return false, true, nil
}

func recoverPurge(ctx context.Context, store *blobstore.Store, ledger Ledger, entry *wal.Entry) (commit, deleted bool, err error) {
	hash := entry.Ref.BlobHash
	unlock := store.LockHash(hash)
	defer unlock()

	if entry.Ref.MediaID != 0 {
		if _, err := ledger.GetMedia(ctx, entry.Ref.MediaID); err == nil {
			return false, false, nil
		} else if !isNotFound(err) {
			return false, false, err
		}
	}

	refs, err := ledger.CountByHash(ctx, hash)
	if err != nil {
		return false, false, err
	}
	if refs > 0 {
		return true, false, nil
	}
	exists, err := store.Exists(hash)
	if err != nil {
		return false, false, err
	}
	if exists {
		if err := store.Delete(hash); err != nil {
			return false, false, err
		}
	}
	return true, exists, nil
}
