// changes.go — постраничное чтение журнала изменений по курсору.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bigkaa/goartstore/media-sync/internal/domain/model"
)

const (
	// DefaultChangesLimit — размер страницы по умолчанию.
	DefaultChangesLimit = 100
	// MaxChangesLimit — максимальный размер страницы.
	MaxChangesLimit = 1000
)

// ChangePage — страница журнала изменений.
type ChangePage struct {
	Items []*model.ChangeEntry `json:"items"`
	// NextCursor — id последнего элемента страницы; для пустой страницы
	// равен запрошенному курсору
	NextCursor int64 `json:"nextCursor"`
	HasMore    bool  `json:"hasMore"`
}

// ChangeFeed — чтение журнала изменений.
type ChangeFeed struct {
	ledger Ledger
	logger *slog.Logger
}

// NewChangeFeed создаёт ленту изменений.
func NewChangeFeed(ledger Ledger, logger *slog.Logger) *ChangeFeed {
	return &ChangeFeed{
		ledger: ledger,
		logger: logger.With(slog.String("component", "change_feed")),
	}
}

// List возвращает изменения с id > cursor по возрастанию.
// limit <= 0 — DefaultChangesLimit, больше MaxChangesLimit — MaxChangesLimit.
// Последовательный обход с nextCursor видит каждую запись ровно один раз.
func (f *ChangeFeed) List(ctx context.Context, cursor int64, limit int) (*ChangePage, error) {
	if cursor < 0 {
		cursor = 0
	}
	switch {
	case limit <= 0:
		limit = DefaultChangesLimit
	case limit > MaxChangesLimit:
		limit = MaxChangesLimit
	}

	// Лишний элемент определяет hasMore без отдельного запроса
	items, err := f.ledger.ListChanges(ctx, cursor, limit+1)
	if err != nil {
		return nil, fmt.Errorf("чтение журнала изменений: %w", err)
	}

	page := &ChangePage{NextCursor: cursor}
	if len(items) > limit {
		items = items[:limit]
		page.HasMore = true
	}
	if items == nil {
		items = []*model.ChangeEntry{}
	}
	page.Items = items
	if len(items) > 0 {
		page.NextCursor = items[len(items)-1].ID
	}

	f.logger.Debug("Страница журнала изменений",
		slog.Int64("cursor", cursor),
		slog.Int("count", len(items)),
		slog.Bool("has_more", page.HasMore),
	)
	return page, nil
}
