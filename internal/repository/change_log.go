package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/media-sync/internal/domain/model"
)

// insertChange добавляет запись в change_log. Вызывается под lockChangeLog.
func insertChange(ctx context.Context, db DBTX, entry *model.ChangeEntry) (int64, error) {
	data, err := json.Marshal(entry.Data)
	if err != nil {
		return 0, fmt.Errorf("ошибка сериализации данных изменения: %w", err)
	}

	query := `
		INSERT INTO change_log (op, media_id, blob_hash, changed_at, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	var id int64
	if err := db.QueryRow(ctx, query,
		string(entry.Op), entry.MediaID, entry.BlobHash, entry.ChangedAt, data,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("ошибка записи в change_log: %w", err)
	}
	return id, nil
}

// AppendChange добавляет запись в журнал и возвращает присвоенный ID.
func (l *Ledger) AppendChange(ctx context.Context, entry *model.ChangeEntry) (int64, error) {
	var id int64
	err := l.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		if err := lockChangeLog(ctx, tx); err != nil {
			return err
		}
		var err error
		id, err = insertChange(ctx, tx, entry)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListChanges возвращает до limit записей с ID > cursor по возрастанию ID.
func (l *Ledger) ListChanges(ctx context.Context, cursor int64, limit int) ([]*model.ChangeEntry, error) {
	query := `
		SELECT id, op, media_id, blob_hash, changed_at, data
		FROM change_log
		WHERE id > $1
		ORDER BY id
		LIMIT $2`

	rows, err := l.db.Query(ctx, query, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения change_log: %w", err)
	}
	defer rows.Close()

	var result []*model.ChangeEntry
	for rows.Next() {
		var (
			e    model.ChangeEntry
			op   string
			data []byte
		)
		if err := rows.Scan(&e.ID, &op, &e.MediaID, &e.BlobHash, &e.ChangedAt, &data); err != nil {
			return nil, fmt.Errorf("ошибка сканирования change_log: %w", err)
		}
		e.Op = model.ChangeOp(op)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("ошибка разбора данных изменения %d: %w", e.ID, err)
			}
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации change_log: %w", err)
	}
	return result, nil
}
