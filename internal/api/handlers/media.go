// media.go — HTTP handlers записей медиа: чтение, скачивание, soft-delete.
package handlers

import (
	"context"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/media-sync/internal/api/errors"
	"github.com/bigkaa/goartstore/media-sync/internal/api/generated"
	"github.com/bigkaa/goartstore/media-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/media-sync/internal/service"
)

// MediaProvider — операции с медиа, нужные HTTP API.
type MediaProvider interface {
	Get(ctx context.Context, id int64) (*model.MediaRecord, *service.MediaError)
	SoftDelete(ctx context.Context, id int64) (*model.MediaRecord, *service.MediaError)
	Serve(w http.ResponseWriter, r *http.Request, id int64) *service.MediaError
}

// MediaHandler — обработчик endpoints медиа.
type MediaHandler struct {
	media MediaProvider
}

// NewMediaHandler создаёт обработчик endpoints медиа.
func NewMediaHandler(media MediaProvider) *MediaHandler {
	return &MediaHandler{media: media}
}

// GetMedia обрабатывает GET /api/media/{id}. Soft-deleted записи возвращаются с deletedAt.
func (h *MediaHandler) GetMedia(w http.ResponseWriter, r *http.Request, id generated.MediaId) {
	rec, merr := h.media.Get(r.Context(), id)
	if merr != nil {
		writeMediaError(w, merr)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteMedia обрабатывает DELETE /api/media/{id}.
// Запись помечается удалённой, блоб остаётся до очистки по сроку хранения.
func (h *MediaHandler) DeleteMedia(w http.ResponseWriter, r *http.Request, id generated.MediaId) {
	rec, merr := h.media.SoftDelete(r.Context(), id)
	if merr != nil {
		writeMediaError(w, merr)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DownloadMedia обрабатывает GET /api/media/{id}/content.
// Range и If-None-Match обрабатывает http.ServeContent.
func (h *MediaHandler) DownloadMedia(w http.ResponseWriter, r *http.Request, id generated.MediaId) {
	if merr := h.media.Serve(w, r, id); merr != nil {
		writeMediaError(w, merr)
	}
}

func writeMediaError(w http.ResponseWriter, merr *service.MediaError) {
	apierrors.WriteError(w, merr.StatusCode, merr.Code, merr.Message)
}
