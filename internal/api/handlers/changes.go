// changes.go — обработчик GET /api/changes (журнал изменений по курсору).
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/media-sync/internal/api/errors"
	"github.com/bigkaa/goartstore/media-sync/internal/api/generated"
	"github.com/bigkaa/goartstore/media-sync/internal/service"
)

// ChangeLister — постраничное чтение журнала изменений.
type ChangeLister interface {
	List(ctx context.Context, cursor int64, limit int) (*service.ChangePage, error)
}

// ChangesHandler — обработчик журнала изменений.
type ChangesHandler struct {
	feed   ChangeLister
	logger *slog.Logger
}

// NewChangesHandler создаёт обработчик журнала изменений.
func NewChangesHandler(feed ChangeLister, logger *slog.Logger) *ChangesHandler {
	return &ChangesHandler{feed: feed, logger: logger}
}

// ListChanges обрабатывает GET /api/changes?cursor=&limit=.
// Без cursor чтение идёт с начала журнала, limit ограничивается сервисом.
func (h *ChangesHandler) ListChanges(w http.ResponseWriter, r *http.Request, params generated.ListChangesParams) {
	var cursor int64
	if params.Cursor != nil {
		if *params.Cursor < 0 {
			apierrors.ValidationError(w, "cursor не может быть отрицательным")
			return
		}
		cursor = *params.Cursor
	}
	limit := 0
	if params.Limit != nil {
		if *params.Limit <= 0 {
			apierrors.ValidationError(w, "limit должен быть положительным")
			return
		}
		limit = *params.Limit
	}

	page, err := h.feed.List(r.Context(), cursor, limit)
	if err != nil {
		h.logger.Error("Ошибка чтения журнала изменений",
			slog.Int64("cursor", cursor),
			slog.String("error", err.Error()),
		)
		apierrors.ServiceUnavailable(w, "Журнал изменений недоступен")
		return
	}

	writeJSON(w, http.StatusOK, page)
}
