package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/media-sync/internal/domain/model"
)

const mediaColumns = `id, blob_hash, filename, size, mime_type, device_id, created_at, deleted_at`

// Ledger — журнал медиа и изменений в PostgreSQL.
type Ledger struct {
	db DBTX
	tx *TxRunner
}

// NewLedger создаёт журнал поверх пула подключений.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{db: pool, tx: NewTxRunner(pool)}
}

func scanMedia(row pgx.Row) (*model.MediaRecord, error) {
	m := &model.MediaRecord{}
	err := row.Scan(&m.ID, &m.ContentHash, &m.Filename, &m.Size, &m.MimeType,
		&m.DeviceID, &m.CreatedAt, &m.DeletedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func collectMedia(rows pgx.Rows) ([]*model.MediaRecord, error) {
	defer rows.Close()

	var result []*model.MediaRecord
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования media: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации media: %w", err)
	}
	return result, nil
}

// RecordUpload создаёт запись медиа и CREATE-запись журнала в одной транзакции.
// Если живая запись с тем же хэшем уже есть, она возвращается без изменений
// и created == false.
func (l *Ledger) RecordUpload(ctx context.Context, rec *model.MediaRecord) (*model.MediaRecord, bool, error) {
	var (
		result  *model.MediaRecord
		created bool
	)
	err := l.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		if err := lockChangeLog(ctx, tx); err != nil {
			return err
		}

		existing, err := scanMedia(tx.QueryRow(ctx,
			`SELECT `+mediaColumns+` FROM media WHERE blob_hash = $1 AND deleted_at IS NULL`,
			rec.ContentHash))
		switch {
		case err == nil:
			result = existing
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("ошибка поиска media по хэшу: %w", err)
		}

		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		inserted, err := scanMedia(tx.QueryRow(ctx, `
			INSERT INTO media (blob_hash, filename, size, mime_type, device_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+mediaColumns,
			rec.ContentHash, rec.Filename, rec.Size, rec.MimeType, rec.DeviceID, createdAt,
		))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: живая запись с хэшем %s", model.ErrConflict, rec.ContentHash)
			}
			return fmt.Errorf("ошибка создания media: %w", err)
		}

		if _, err := insertChange(ctx, tx, model.NewChangeEntry(model.OpCreate, inserted, inserted.CreatedAt)); err != nil {
			return err
		}
		result = inserted
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// GetMedia возвращает запись по ID (в том числе soft-deleted).
func (l *Ledger) GetMedia(ctx context.Context, id int64) (*model.MediaRecord, error) {
	m, err := scanMedia(l.db.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения media: %w", err)
	}
	return m, nil
}

// SoftDeleteMedia помечает запись удалённой и добавляет DELETE-запись.
// Повторный вызов для уже удалённой записи ничего не меняет.
func (l *Ledger) SoftDeleteMedia(ctx context.Context, id int64, at time.Time) (*model.MediaRecord, error) {
	var result *model.MediaRecord
	err := l.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		if err := lockChangeLog(ctx, tx); err != nil {
			return err
		}

		m, err := scanMedia(tx.QueryRow(ctx,
			`SELECT `+mediaColumns+` FROM media WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrNotFound
			}
			return fmt.Errorf("ошибка получения media: %w", err)
		}
		if m.IsDeleted() {
			result = m
			return nil
		}

		if _, err := tx.Exec(ctx, `UPDATE media SET deleted_at = $2 WHERE id = $1`, id, at); err != nil {
			return fmt.Errorf("ошибка soft-delete media: %w", err)
		}
		deletedAt := at
		m.DeletedAt = &deletedAt

		if _, err := insertChange(ctx, tx, model.NewChangeEntry(model.OpDelete, m, at)); err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListLiveMedia возвращает живые записи с ID > afterID по возрастанию ID.
func (l *Ledger) ListLiveMedia(ctx context.Context, afterID int64, limit int) ([]*model.MediaRecord, error) {
	rows, err := l.db.Query(ctx, `
		SELECT `+mediaColumns+`
		FROM media
		WHERE id > $1 AND deleted_at IS NULL
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки живых media: %w", err)
	}
	return collectMedia(rows)
}

// ListPurgeable возвращает soft-deleted записи с deleted_at <= cutoff.
func (l *Ledger) ListPurgeable(ctx context.Context, cutoff time.Time, limit int) ([]*model.MediaRecord, error) {
	rows, err := l.db.Query(ctx, `
		SELECT `+mediaColumns+`
		FROM media
		WHERE deleted_at IS NOT NULL AND deleted_at <= $1
		ORDER BY id
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки media для очистки: %w", err)
	}
	return collectMedia(rows)
}

// PurgeMedia окончательно удаляет soft-deleted запись.
// Живую запись удалить нельзя: ErrConflict.
func (l *Ledger) PurgeMedia(ctx context.Context, id int64) error {
	tag, err := l.db.Exec(ctx, `DELETE FROM media WHERE id = $1 AND deleted_at IS NOT NULL`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления media: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Различаем «нет записи» и «запись живая»
	if _, err := l.GetMedia(ctx, id); err != nil {
		return err
	}
	return model.ErrConflict
}

// CountByHash возвращает число строк с указанным хэшем, включая soft-deleted.
func (l *Ledger) CountByHash(ctx context.Context, hash string) (int64, error) {
	var n int64
	if err := l.db.QueryRow(ctx, `SELECT count(*) FROM media WHERE blob_hash = $1`, hash).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта media по хэшу: %w", err)
	}
	return n, nil
}

// CountLive возвращает число живых записей.
func (l *Ledger) CountLive(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRow(ctx, `SELECT count(*) FROM media WHERE deleted_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта живых media: %w", err)
	}
	return n, nil
}

// CountSoftDeleted возвращает число soft-deleted записей.
func (l *Ledger) CountSoftDeleted(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRow(ctx, `SELECT count(*) FROM media WHERE deleted_at IS NOT NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта soft-deleted media: %w", err)
	}
	return n, nil
}
