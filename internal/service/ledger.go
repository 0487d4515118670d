package service

import (
	"context"
	"errors"
	"time"

	"github.com/bigkaa/goartstore/media-sync/internal/domain/model"
)

// Ledger — журнал медиа и изменений.
// Реализации: repository.Ledger (PostgreSQL) и index.Index (in-memory).
type Ledger interface {
	// RecordUpload создаёт запись и CREATE-изменение. Для живой записи
	// с тем же хэшем возвращает её без изменений, created == false.
	RecordUpload(ctx context.Context, rec *model.MediaRecord) (*model.MediaRecord, bool, error)
	GetMedia(ctx context.Context, id int64) (*model.MediaRecord, error)
	// SoftDeleteMedia идемпотентен: повторное удаление не пишет DELETE.
	SoftDeleteMedia(ctx context.Context, id int64, at time.Time) (*model.MediaRecord, error)
	ListLiveMedia(ctx context.Context, afterID int64, limit int) ([]*model.MediaRecord, error)
	ListPurgeable(ctx context.Context, cutoff time.Time, limit int) ([]*model.MediaRecord, error)
	PurgeMedia(ctx context.Context, id int64) error
	// CountByHash считает строки с хэшем, включая soft-deleted.
	CountByHash(ctx context.Context, hash string) (int64, error)
	CountLive(ctx context.Context) (int64, error)
	CountSoftDeleted(ctx context.Context) (int64, error)
	AppendChange(ctx context.Context, entry *model.ChangeEntry) (int64, error)
	ListChanges(ctx context.Context, cursor int64, limit int) ([]*model.ChangeEntry, error)
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
