// media.go — чтение, скачивание и soft-delete медиа.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/goartstore/media-sync/internal/api/errors"
	"github.com/bigkaa/goartstore/media-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/media-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/blobstore"
)

// MediaError — ошибка операции с медиа с HTTP-кодом.
type MediaError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MediaService — операции с записями медиа для HTTP API.
type MediaService struct {
	store  *blobstore.Store
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewMediaService создаёт сервис медиа.
func NewMediaService(store *blobstore.Store, ledger Ledger, logger *slog.Logger) *MediaService {
	return &MediaService{
		store:  store,
		ledger: ledger,
		logger: logger.With(slog.String("component", "media_service")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get возвращает запись, включая soft-deleted.
func (s *MediaService) Get(ctx context.Context, id int64) (*model.MediaRecord, *MediaError) {
	rec, err := s.ledger.GetMedia(ctx, id)
	if err != nil {
		return nil, s.ledgerError("чтения записи", id, err)
	}
	return rec, nil
}

// SoftDelete помечает запись удалённой и пишет DELETE в журнал изменений.
// Блоб остаётся на диске до очистки. Повторное удаление возвращает ту же запись.
func (s *MediaService) SoftDelete(ctx context.Context, id int64) (*model.MediaRecord, *MediaError) {
	rec, err := s.ledger.SoftDeleteMedia(ctx, id, s.now())
	if err != nil {
		return nil, s.ledgerError("удаления записи", id, err)
	}
	middleware.OperationsTotal.WithLabelValues("media_delete", "success").Inc()
	s.logger.Info("Запись помечена удалённой",
		slog.Int64("media_id", id),
		slog.String("hash", rec.ContentHash),
		slog.Time("deleted_at", *rec.DeletedAt),
	)
	return rec, nil
}

// Serve отдаёт содержимое блоба через http.ServeContent.
// Поддерживает Range requests (206 Partial Content) и ETag (If-None-Match):
// ETag — хэш содержимого, блоб неизменяем.
func (s *MediaService) Serve(w http.ResponseWriter, r *http.Request, id int64) *MediaError {
	rec, merr := s.Get(r.Context(), id)
	if merr != nil {
		return merr
	}
	if rec.IsDeleted() {
		return &MediaError{
			StatusCode: http.StatusGone,
			Code:       apierrors.CodeGone,
			Message:    fmt.Sprintf("Запись %d удалена", id),
		}
	}

	file, err := s.store.Open(rec.ContentHash)
	if err != nil {
		s.logger.Error("Блоб записи недоступен",
			slog.Int64("media_id", id),
			slog.String("hash", rec.ContentHash),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			return &MediaError{
				StatusCode: http.StatusNotFound,
				Code:       apierrors.CodeNotFound,
				Message:    fmt.Sprintf("Содержимое записи %d отсутствует в хранилище", id),
			}
		}
		return &MediaError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка чтения содержимого",
		}
	}
	defer file.Close()

	contentType := rec.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.Filename}))
	w.Header().Set("ETag", fmt.Sprintf("%q", rec.ContentHash))
	w.Header().Set("Accept-Ranges", "bytes")

	http.ServeContent(w, r, rec.Filename, rec.CreatedAt, file)

	middleware.OperationsTotal.WithLabelValues("media_download", "success").Inc()
	s.logger.Debug("Содержимое отдано",
		slog.Int64("media_id", id),
		slog.Int64("size", rec.Size),
	)
	return nil
}

func (s *MediaService) ledgerError(stage string, id int64, err error) *MediaError {
	if isNotFound(err) {
		return &MediaError{
			StatusCode: http.StatusNotFound,
			Code:       apierrors.CodeNotFound,
			Message:    fmt.Sprintf("Запись %d не найдена", id),
		}
	}
	s.logger.Error("Ошибка журнала",
		slog.String("stage", stage),
		slog.Int64("media_id", id),
		slog.String("error", err.Error()),
	)
	return &MediaError{
		StatusCode: http.StatusServiceUnavailable,
		Code:       apierrors.CodeServiceUnavail,
		Message:    "Журнал недоступен",
	}
}
