// Пакет index — потокобезопасный in-memory журнал медиа и изменений.
//
// Реализует тот же контракт, что и PostgreSQL-репозиторий:
// записи медиа, soft-delete, очистка и append-only журнал изменений
// с монотонными курсорами. Используется при MS_LEDGER_DRIVER=memory
// и в тестах сервисов.
//
// Не персистентный: при рестарте содержимое теряется.
package index

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/media-sync/internal/domain/model"
)

// Index — in-memory журнал. sync.RWMutex защищает все поля:
// конкурентное чтение, эксклюзивная запись.
type Index struct {
	mu          sync.RWMutex
	media       map[int64]*model.MediaRecord // id → запись
	liveByHash  map[string]int64             // хэш → id живой записи
	rowsByHash  map[string]int               // хэш → число строк (вкл. soft-deleted)
	changes     []*model.ChangeEntry         // отсортированы по ID
	nextMediaID int64
	nextChange  int64
	logger      *slog.Logger
}

// New создаёт пустой журнал.
func New(logger *slog.Logger) *Index {
	return &Index{
		media:       make(map[int64]*model.MediaRecord),
		liveByHash:  make(map[string]int64),
		rowsByHash:  make(map[string]int),
		nextMediaID: 1,
		nextChange:  1,
		logger:      logger.With(slog.String("component", "index")),
	}
}

// RecordUpload создаёт запись медиа и CREATE-запись журнала.
// Если живая запись с тем же хэшем уже есть, она возвращается без изменений
// и created == false.
func (idx *Index) RecordUpload(_ context.Context, rec *model.MediaRecord) (*model.MediaRecord, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if id, ok := idx.liveByHash[rec.ContentHash]; ok {
		return idx.media[id].Clone(), false, nil
	}

	stored := rec.Clone()
	stored.ID = idx.nextMediaID
	idx.nextMediaID++
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.DeletedAt = nil

	idx.media[stored.ID] = stored
	idx.liveByHash[stored.ContentHash] = stored.ID
	idx.rowsByHash[stored.ContentHash]++
	idx.appendLocked(model.NewChangeEntry(model.OpCreate, stored, stored.CreatedAt))

	return stored.Clone(), true, nil
}

// GetMedia возвращает запись по ID (в том числе soft-deleted).
func (idx *Index) GetMedia(_ context.Context, id int64) (*model.MediaRecord, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	m, ok := idx.media[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return m.Clone(), nil
}

// SoftDeleteMedia помечает запись удалённой и добавляет DELETE-запись.
// Повторный вызов для уже удалённой записи ничего не меняет.
func (idx *Index) SoftDeleteMedia(_ context.Context, id int64, at time.Time) (*model.MediaRecord, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m, ok := idx.media[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if m.IsDeleted() {
		return m.Clone(), nil
	}

	deletedAt := at
	m.DeletedAt = &deletedAt
	delete(idx.liveByHash, m.ContentHash)
	idx.appendLocked(model.NewChangeEntry(model.OpDelete, m, at))

	return m.Clone(), nil
}

// ListLiveMedia возвращает живые записи с ID > afterID по возрастанию ID.
func (idx *Index) ListLiveMedia(_ context.Context, afterID int64, limit int) ([]*model.MediaRecord, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.selectLocked(afterID, limit, func(m *model.MediaRecord) bool {
		return !m.IsDeleted()
	}), nil
}

// ListPurgeable возвращает soft-deleted записи с deleted_at <= cutoff.
func (idx *Index) ListPurgeable(_ context.Context, cutoff time.Time, limit int) ([]*model.MediaRecord, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.selectLocked(0, limit, func(m *model.MediaRecord) bool {
		return m.IsDeleted() && !m.DeletedAt.After(cutoff)
	}), nil
}

// PurgeMedia окончательно удаляет soft-deleted запись.
// Живую запись удалить нельзя: ErrConflict.
func (idx *Index) PurgeMedia(_ context.Context, id int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m, ok := idx.media[id]
	if !ok {
		return model.ErrNotFound
	}
	if !m.IsDeleted() {
		return model.ErrConflict
	}

	delete(idx.media, id)
	if idx.rowsByHash[m.ContentHash] <= 1 {
		delete(idx.rowsByHash, m.ContentHash)
	} else {
		idx.rowsByHash[m.ContentHash]--
	}
	return nil
}

// CountByHash возвращает число строк с указанным хэшем, включая soft-deleted.
func (idx *Index) CountByHash(_ context.Context, hash string) (int64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int64(idx.rowsByHash[hash]), nil
}

// CountLive возвращает число живых записей.
func (idx *Index) CountLive(_ context.Context) (int64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int64(len(idx.liveByHash)), nil
}

// CountSoftDeleted возвращает число soft-deleted записей (tombstones).
func (idx *Index) CountSoftDeleted(_ context.Context) (int64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int64(len(idx.media) - len(idx.liveByHash)), nil
}

// AppendChange добавляет запись в журнал и возвращает присвоенный ID.
func (idx *Index) AppendChange(_ context.Context, entry *model.ChangeEntry) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	copied := *entry
	return idx.appendLocked(&copied), nil
}

// ListChanges возвращает до limit записей с ID > cursor по возрастанию ID.
func (idx *Index) ListChanges(_ context.Context, cursor int64, limit int) ([]*model.ChangeEntry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	// changes отсортирован по ID — бинарный поиск первой записи после курсора
	start := sort.Search(len(idx.changes), func(i int) bool {
		return idx.changes[i].ID > cursor
	})
	end := len(idx.changes)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start >= end {
		return nil, nil
	}

	result := make([]*model.ChangeEntry, 0, end-start)
	for _, e := range idx.changes[start:end] {
		copied := *e
		result = append(result, &copied)
	}
	return result, nil
}

// appendLocked присваивает ID и добавляет запись. Вызывается под mu.
func (idx *Index) appendLocked(entry *model.ChangeEntry) int64 {
	entry.ID = idx.nextChange
	idx.nextChange++
	idx.changes = append(idx.changes, entry)
	return entry.ID
}

// selectLocked выбирает записи по предикату с ID > afterID. Вызывается под RLock.
func (idx *Index) selectLocked(afterID int64, limit int, keep func(*model.MediaRecord) bool) []*model.MediaRecord {
	var result []*model.MediaRecord
	for id, m := range idx.media {
		if id > afterID && keep(m) {
			result = append(result, m.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
