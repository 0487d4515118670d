// Пакет service — бизнес-логика media-sync.
// upload.go — менеджер возобновляемых загрузок с WAL-финализацией.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/media-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/media-sync/internal/config"
	"github.com/bigkaa/goartstore/media-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/media-sync/internal/domain/session"
	"github.com/bigkaa/goartstore/media-sync/internal/protocol"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/attr"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/blobstore"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/wal"
)

// ProtocolError — ошибка, исправимая клиентом. Отправляется пакетом
// PROTOCOL_ERROR, соединение остаётся открытым.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func protocolErrorf(code int, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InitParams — параметры UPLOAD_INIT.
type InitParams struct {
	ClientID string
	Filename string
	Size     int64
	Hash     string
	MimeType string
	TraceID  string
}

// InitResult — ответ на Init.
type InitResult struct {
	UploadID      string
	Status        session.Status
	ReceivedBytes int64
	ChunkSize     int64
}

// ChunkResult — подтверждение чанка.
type ChunkResult struct {
	UploadID      string
	ReceivedBytes int64
	Status        session.Status
}

// FinishResult — итог финализации.
type FinishResult struct {
	UploadID string
	MediaID  int64
	// Created — false, если живая запись с этим хэшем уже существовала
	Created bool
}

// uploadSession — сессия загрузки. Все изменения rec — под mu.
type uploadSession struct {
	mu  sync.Mutex
	rec session.Record
}

// UploadManager владеет сессиями загрузки.
// Сессия ищется по uploadId и по паре (клиент, хэш): повторный Init
// с той же парой возвращает ту же сессию.
type UploadManager struct {
	cfg       *config.Config
	walEngine *wal.WAL
	store     *blobstore.Store
	ledger    Ledger
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	byID  map[string]*uploadSession
	byKey map[session.Key]*uploadSession
}

// NewUploadManager создаёт менеджер загрузок.
func NewUploadManager(
	cfg *config.Config,
	walEngine *wal.WAL,
	store *blobstore.Store,
	ledger Ledger,
	logger *slog.Logger,
) *UploadManager {
	return &UploadManager{
		cfg:       cfg,
		walEngine: walEngine,
		store:     store,
		ledger:    ledger,
		logger:    logger.With(slog.String("component", "upload_manager")),
		now:       func() time.Time { return time.Now().UTC() },
		byID:      make(map[string]*uploadSession),
		byKey:     make(map[session.Key]*uploadSession),
	}
}

// Init открывает сессию или возвращает существующую для (клиент, хэш).
// Повторный вызов безопасен и является единственной точкой возобновления.
//
// Если блоб с таким хэшем уже есть в хранилище, сессия сразу получает
// receivedBytes == size и статус RESUMING: клиенту остаётся отправить Finish.
func (m *UploadManager) Init(ctx context.Context, p InitParams) (*InitResult, error) {
	hash := strings.ToLower(strings.TrimSpace(p.Hash))
	switch {
	case p.ClientID == "":
		return nil, protocolErrorf(protocol.CodeBadRequest, "не указан идентификатор клиента")
	case strings.TrimSpace(p.Filename) == "":
		return nil, protocolErrorf(protocol.CodeBadRequest, "не указано имя файла")
	case p.Size < 0:
		return nil, protocolErrorf(protocol.CodeBadRequest, "отрицательный размер %d", p.Size)
	case !blobstore.ValidHash(hash):
		return nil, protocolErrorf(protocol.CodeBadRequest, "некорректный SHA-256: %q", p.Hash)
	}
	key := session.Key{ClientID: p.ClientID, Hash: hash}

	for {
		m.mu.Lock()
		s, ok := m.byKey[key]
		if !ok {
			res, err := m.createLocked(p, hash)
			m.mu.Unlock()
			return res, err
		}
		m.mu.Unlock()

		res, retry, err := m.resume(s)
		if retry {
			// Сессия завершилась между поиском и захватом — создаём новую
			continue
		}
		return res, err
	}
}

// createLocked создаёт новую сессию. Вызывается под m.mu.
func (m *UploadManager) createLocked(p InitParams, hash string) (*InitResult, error) {
	exists, err := m.store.Exists(hash)
	if err != nil {
		m.logger.Error("Ошибка проверки блоба", slog.String("hash", hash), slog.String("error", err.Error()))
		return nil, protocolErrorf(protocol.CodeInternal, "ошибка хранилища")
	}
	if exists {
		blobSize, err := m.store.Size(hash)
		if err != nil {
			m.logger.Error("Ошибка чтения размера блоба", slog.String("hash", hash), slog.String("error", err.Error()))
			return nil, protocolErrorf(protocol.CodeInternal, "ошибка хранилища")
		}
		if blobSize != p.Size {
			middleware.OperationsTotal.WithLabelValues("upload_init", "size_conflict").Inc()
			return nil, protocolErrorf(protocol.CodeHashConflict,
				"размер %d не совпадает с размером блоба %s (%d)", p.Size, hash, blobSize)
		}
	}
	if !exists && !m.store.HasSpace(p.Size) {
		middleware.OperationsTotal.WithLabelValues("upload_init", "no_space").Inc()
		return nil, protocolErrorf(protocol.CodeInsufficientStorage, "недостаточно места для %d байт", p.Size)
	}

	now := m.now()
	s := &uploadSession{rec: session.Record{
		UploadID:     uuid.New().String(),
		ClientID:     p.ClientID,
		Filename:     p.Filename,
		MimeType:     p.MimeType,
		DeclaredSize: p.Size,
		ExpectedHash: hash,
		Status:       session.StatusActive,
		TraceID:      p.TraceID,
		CreatedAt:    now,
		LastActivity: now,
	}}
	if exists {
		s.rec.ReceivedBytes = p.Size
		s.rec.Status = session.StatusResuming
	}

	if err := m.persist(&s.rec); err != nil {
		return nil, protocolErrorf(protocol.CodeInternal, "ошибка сохранения сессии")
	}
	m.byID[s.rec.UploadID] = s
	m.byKey[s.rec.Key()] = s
	middleware.UploadSessions.Set(float64(len(m.byID)))
	middleware.OperationsTotal.WithLabelValues("upload_init", "success").Inc()

	m.logger.Info("Сессия загрузки создана",
		slog.String("upload_id", s.rec.UploadID),
		slog.String("client_id", p.ClientID),
		slog.String("filename", p.Filename),
		slog.Int64("size", p.Size),
		slog.Bool("deduplicated", exists),
		slog.String("trace_id", p.TraceID),
	)
	return m.initResult(&s.rec), nil
}

// resume сверяет существующую сессию с частичным файлом и возвращает её.
// retry == true, если сессия уже завершена и удалена из реестра.
func (m *UploadManager) resume(s *uploadSession) (res *InitResult, retry bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec.Status.IsTerminal() {
		return nil, true, nil
	}
	if s.rec.Status == session.StatusFinalizing {
		return nil, false, protocolErrorf(protocol.CodeHashConflict, "загрузка %s финализируется", s.rec.UploadID)
	}

	if err := m.reconcile(&s.rec); err != nil {
		m.logger.Error("Ошибка сверки сессии с частичным файлом",
			slog.String("upload_id", s.rec.UploadID),
			slog.String("error", err.Error()),
		)
		return nil, false, protocolErrorf(protocol.CodeInternal, "ошибка хранилища")
	}
	next := session.StatusActive
	if s.rec.ReceivedBytes > 0 {
		next = session.StatusResuming
	}
	if next != s.rec.Status {
		if err := session.Transition(s.rec.Status, next); err != nil {
			return nil, false, protocolErrorf(protocol.CodeInternal, "%v", err)
		}
		s.rec.Status = next
	}
	s.rec.LastActivity = m.now()
	if err := m.persist(&s.rec); err != nil {
		return nil, false, protocolErrorf(protocol.CodeInternal, "ошибка сохранения сессии")
	}

	middleware.OperationsTotal.WithLabelValues("upload_resume", "success").Inc()
	m.logger.Info("Сессия загрузки возобновлена",
		slog.String("upload_id", s.rec.UploadID),
		slog.Int64("received_bytes", s.rec.ReceivedBytes),
		slog.Int64("size", s.rec.DeclaredSize),
	)
	return m.initResult(&s.rec), false, nil
}

// reconcile приводит receivedBytes к состоянию диска.
// Источник истины — частичный файл: AppendPartial делает fsync до
// подтверждения, поэтому его длина — подтверждённый непрерывный префикс.
func (m *UploadManager) reconcile(rec *session.Record) error {
	exists, err := m.store.Exists(rec.ExpectedHash)
	if err != nil {
		return err
	}
	if exists {
		blobSize, err := m.store.Size(rec.ExpectedHash)
		if err != nil {
			return err
		}
		// блоб другого размера не может иметь этот хэш: сверяемся с частичным файлом
		if blobSize == rec.DeclaredSize {
			rec.ReceivedBytes = rec.DeclaredSize
			return nil
		}
	}

	size, err := m.store.PartialSize(rec.UploadID)
	if err != nil {
		return err
	}
	if size > rec.DeclaredSize {
		if err := m.store.TruncatePartial(rec.UploadID, rec.DeclaredSize); err != nil {
			return err
		}
		size = rec.DeclaredSize
	}
	rec.ReceivedBytes = size
	return nil
}

// Chunk принимает чанк по смещению offset.
//
// Принимается, если offset == receivedBytes (продолжение префикса) или
// offset+len(data) <= receivedBytes (повтор уже принятых байт: ACK без записи).
// Любое другое смещение — разрыв, состояние не меняется.
func (m *UploadManager) Chunk(ctx context.Context, clientID, uploadID string, offset int64, data []byte) (*ChunkResult, error) {
	s, err := m.lookup(clientID, uploadID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.rec.Status.CanPerform(session.OpChunk) {
		return nil, protocolErrorf(protocol.CodeNotFound, "загрузка %s не принимает чанки (%s)", uploadID, s.rec.Status)
	}
	if offset < 0 {
		return nil, protocolErrorf(protocol.CodeBadRequest, "отрицательное смещение %d", offset)
	}
	// offset+len(data) не должно переполнять int64
	if offset > s.rec.DeclaredSize || int64(len(data)) > s.rec.DeclaredSize-offset {
		middleware.OperationsTotal.WithLabelValues("upload_chunk", "gap").Inc()
		return nil, protocolErrorf(protocol.CodeBadRequest,
			"чанк [%d, +%d) выходит за объявленный размер %d", offset, len(data), s.rec.DeclaredSize)
	}

	end := offset + int64(len(data))
	received := s.rec.ReceivedBytes

	if end <= received {
		s.rec.LastActivity = m.now()
		middleware.OperationsTotal.WithLabelValues("upload_chunk", "duplicate").Inc()
		return m.chunkResult(&s.rec), nil
	}
	if offset != received {
		middleware.OperationsTotal.WithLabelValues("upload_chunk", "gap").Inc()
		return nil, protocolErrorf(protocol.CodeBadRequest,
			"разрыв: смещение %d, ожидалось %d", offset, received)
	}
	if !m.store.HasSpace(int64(len(data))) {
		middleware.OperationsTotal.WithLabelValues("upload_chunk", "no_space").Inc()
		return nil, protocolErrorf(protocol.CodeInsufficientStorage, "недостаточно места")
	}

	if err := m.store.AppendPartial(uploadID, offset, data); err != nil {
		m.logger.Error("Ошибка записи чанка",
			slog.String("upload_id", uploadID),
			slog.Int64("offset", offset),
			slog.String("error", err.Error()),
		)
		middleware.OperationsTotal.WithLabelValues("upload_chunk", "error").Inc()
		if errors.Is(err, syscall.ENOSPC) {
			return nil, protocolErrorf(protocol.CodeInsufficientStorage, "диск заполнен")
		}
		return nil, protocolErrorf(protocol.CodeInternal, "ошибка записи чанка")
	}

	s.rec.ReceivedBytes = end
	s.rec.LastActivity = m.now()
	if err := m.persist(&s.rec); err != nil {
		// Частичный файл уже записан: reconcile восстановит счётчик после рестарта
		m.logger.Warn("Не удалось сохранить состояние сессии",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
	}

	middleware.UploadBytesTotal.Add(float64(len(data)))
	middleware.OperationsTotal.WithLabelValues("upload_chunk", "success").Inc()
	return m.chunkResult(&s.rec), nil
}

// Finish финализирует загрузку.
//
// Поток:
//  1. receivedBytes == declaredSize, иначе 422
//  2. claimedHash (если передан) совпадает с хэшем Init, иначе 409, сессия сохраняется
//  3. FINALIZING: новые чанки не принимаются
//  4. под LockHash: пересчёт хэша частичного файла (409 и удаление сессии при расхождении)
//  5. WAL StartTransaction → Commit блоба → RecordUpload → WAL Commit
//  6. FINALIZED, сессия удаляется
func (m *UploadManager) Finish(ctx context.Context, clientID, uploadID, claimedHash string) (*FinishResult, error) {
	s, err := m.lookup(clientID, uploadID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.rec.Status.CanPerform(session.OpFinish) {
		return nil, protocolErrorf(protocol.CodeNotFound, "загрузка %s недоступна (%s)", uploadID, s.rec.Status)
	}
	if s.rec.ReceivedBytes != s.rec.DeclaredSize {
		return nil, protocolErrorf(protocol.CodeSizeMismatch,
			"получено %d из %d байт", s.rec.ReceivedBytes, s.rec.DeclaredSize)
	}
	claimed := strings.ToLower(strings.TrimSpace(claimedHash))
	if claimed != "" && claimed != s.rec.ExpectedHash {
		middleware.OperationsTotal.WithLabelValues("upload_finish", "hash_conflict").Inc()
		return nil, protocolErrorf(protocol.CodeHashConflict,
			"заявленный хэш %s не совпадает с хэшем сессии %s", claimed, s.rec.ExpectedHash)
	}

	prev := s.rec.Status
	if err := session.Transition(prev, session.StatusFinalizing); err != nil {
		return nil, protocolErrorf(protocol.CodeInternal, "%v", err)
	}
	s.rec.Status = session.StatusFinalizing
	_ = m.persist(&s.rec)

	revert := func() {
		s.rec.Status = prev
		s.rec.LastActivity = m.now()
		_ = m.persist(&s.rec)
	}

	hash := s.rec.ExpectedHash
	unlock := m.store.LockHash(hash)
	defer unlock()

	exists, err := m.store.Exists(hash)
	if err != nil {
		revert()
		return nil, m.internal("проверки блоба", uploadID, err)
	}
	if exists {
		blobSize, err := m.store.Size(hash)
		if err != nil {
			revert()
			return nil, m.internal("чтения размера блоба", uploadID, err)
		}
		if blobSize != s.rec.DeclaredSize {
			m.logger.Warn("Размер блоба не совпадает с объявленным, сессия удалена",
				slog.String("upload_id", uploadID),
				slog.Int64("declared", s.rec.DeclaredSize),
				slog.Int64("blob_size", blobSize),
			)
			m.releaseLocked(s, session.StatusAborted)
			middleware.OperationsTotal.WithLabelValues("upload_finish", "size_conflict").Inc()
			return nil, protocolErrorf(protocol.CodeHashConflict,
				"объявленный размер %d не совпадает с размером блоба %d", s.rec.DeclaredSize, blobSize)
		}
	}
	if !exists {
		actual, err := m.store.HashPartial(uploadID)
		if err != nil {
			revert()
			return nil, m.internal("вычисления хэша", uploadID, err)
		}
		if actual != hash {
			m.logger.Warn("Хэш содержимого не совпадает, сессия удалена",
				slog.String("upload_id", uploadID),
				slog.String("expected", hash),
				slog.String("actual", actual),
			)
			m.releaseLocked(s, session.StatusAborted)
			middleware.OperationsTotal.WithLabelValues("upload_finish", "hash_conflict").Inc()
			return nil, protocolErrorf(protocol.CodeHashConflict,
				"хэш содержимого %s не совпадает с хэшем сессии %s", actual, hash)
		}
	}

	entry, err := m.walEngine.StartTransaction(wal.OpMediaFinalize, wal.Ref{UploadID: uploadID, BlobHash: hash})
	if err != nil {
		revert()
		return nil, m.internal("создания WAL-транзакции", uploadID, err)
	}
	rollback := func() {
		if rbErr := m.walEngine.Rollback(entry.TransactionID); rbErr != nil {
			m.logger.Error("Ошибка отката WAL",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", rbErr.Error()),
			)
		}
	}

	created, err := m.store.Commit(uploadID, hash)
	if err != nil {
		rollback()
		revert()
		if errors.Is(err, syscall.ENOSPC) {
			return nil, protocolErrorf(protocol.CodeInsufficientStorage, "диск заполнен")
		}
		return nil, m.internal("фиксации блоба", uploadID, err)
	}

	rec, recorded, err := m.ledger.RecordUpload(ctx, &model.MediaRecord{
		ContentHash: hash,
		Filename:    s.rec.Filename,
		Size:        s.rec.DeclaredSize,
		MimeType:    s.rec.MimeType,
		DeviceID:    s.rec.ClientID,
		CreatedAt:   m.now(),
	})
	if err != nil {
		// Блоб уже в хранилище: повторный Finish пройдёт по пути дедупликации
		rollback()
		revert()
		return nil, m.internal("записи в журнал", uploadID, err)
	}

	if err := m.walEngine.Commit(entry.TransactionID); err != nil {
		m.logger.Error("Ошибка коммита WAL (данные сохранены)",
			slog.String("tx_id", entry.TransactionID),
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
	}

	m.releaseLocked(s, session.StatusFinalized)

	if usage, err := m.store.Usage(); err == nil {
		middleware.StorageBytes.Set(float64(usage.UsedBytes))
	}
	middleware.OperationsTotal.WithLabelValues("upload_finish", "success").Inc()

	m.logger.Info("Загрузка завершена",
		slog.String("upload_id", uploadID),
		slog.Int64("media_id", rec.ID),
		slog.String("hash", hash),
		slog.Int64("size", rec.Size),
		slog.Bool("blob_created", created),
		slog.Bool("record_created", recorded),
		slog.String("trace_id", s.rec.TraceID),
	)
	return &FinishResult{UploadID: uploadID, MediaID: rec.ID, Created: recorded}, nil
}

// Abort отменяет загрузку. Неизвестный или уже завершённый uploadId — не ошибка.
func (m *UploadManager) Abort(ctx context.Context, clientID, uploadID string) error {
	s, err := m.lookup(clientID, uploadID)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) && perr.Code == protocol.CodeNotFound {
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.rec.Status.CanPerform(session.OpAbort) {
		return nil
	}
	m.releaseLocked(s, session.StatusAborted)
	middleware.OperationsTotal.WithLabelValues("upload_abort", "success").Inc()

	m.logger.Info("Загрузка отменена",
		slog.String("upload_id", uploadID),
		slog.Int64("received_bytes", s.rec.ReceivedBytes),
	)
	return nil
}

// Reap отменяет сессии без активности дольше MS_UPLOAD_SESSION_TIMEOUT.
// Возвращает количество отменённых сессий.
func (m *UploadManager) Reap(now time.Time) int {
	m.mu.Lock()
	sessions := make([]*uploadSession, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	reaped := 0
	for _, s := range sessions {
		s.mu.Lock()
		if s.rec.Status.CanPerform(session.OpAbort) && s.rec.Expired(now, m.cfg.UploadSessionTimeout) {
			m.logger.Debug("Сессия загрузки истекла",
				slog.String("upload_id", s.rec.UploadID),
				slog.Time("last_activity", s.rec.LastActivity),
			)
			m.releaseLocked(s, session.StatusAborted)
			reaped++
		}
		s.mu.Unlock()
	}

	if reaped > 0 {
		middleware.OperationsTotal.WithLabelValues("upload_reap", "success").Add(float64(reaped))
		m.logger.Info("Истёкшие сессии загрузки удалены", slog.Int("count", reaped))
	}
	return reaped
}

// Restore восстанавливает сессии из attr.json после рестарта.
// Истёкшие сессии, повреждённые attr.json и частичные файлы без сессии удаляются.
func (m *UploadManager) Restore(ctx context.Context) (int, error) {
	records, invalid, err := attr.ScanDir(m.cfg.TempDir)
	if err != nil {
		return 0, err
	}
	for _, path := range invalid {
		m.logger.Warn("Повреждённый файл сессии удалён", slog.String("path", path))
		_ = attr.Delete(path)
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		if _, err := m.store.PartialPath(rec.UploadID); err != nil || rec.Status.IsTerminal() ||
			rec.Expired(now, m.cfg.UploadSessionTimeout) {
			m.discard(rec.UploadID)
			continue
		}
		// Финализация прервана рестартом: WAL уже восстановлен, повторный Finish безопасен
		if rec.Status == session.StatusFinalizing {
			rec.Status = session.StatusResuming
		}
		if err := m.reconcile(rec); err != nil {
			m.logger.Warn("Не удалось сверить сессию, сессия удалена",
				slog.String("upload_id", rec.UploadID),
				slog.String("error", err.Error()),
			)
			m.discard(rec.UploadID)
			continue
		}
		if rec.ReceivedBytes == 0 {
			rec.Status = session.StatusActive
		} else {
			rec.Status = session.StatusResuming
		}

		if other, ok := m.byKey[rec.Key()]; ok {
			// Две сессии на одну пару (клиент, хэш): остаётся более свежая
			if !rec.LastActivity.After(other.rec.LastActivity) {
				m.discard(rec.UploadID)
				continue
			}
			delete(m.byID, other.rec.UploadID)
			m.discard(other.rec.UploadID)
		}

		_ = m.persist(rec)
		s := &uploadSession{rec: *rec}
		m.byID[rec.UploadID] = s
		m.byKey[rec.Key()] = s
	}

	partials, err := m.store.ListPartials()
	if err != nil {
		return len(m.byID), err
	}
	for _, id := range partials {
		if _, ok := m.byID[id]; !ok {
			_ = m.store.RemovePartial(id)
		}
	}

	middleware.UploadSessions.Set(float64(len(m.byID)))
	m.logger.Info("Сессии загрузки восстановлены", slog.Int("count", len(m.byID)))
	return len(m.byID), nil
}

// Get возвращает копию состояния сессии.
func (m *UploadManager) Get(uploadID string) (session.Record, bool) {
	m.mu.Lock()
	s, ok := m.byID[uploadID]
	m.mu.Unlock()
	if !ok {
		return session.Record{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, true
}

// ActiveCount возвращает число открытых сессий.
func (m *UploadManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// lookup находит сессию и проверяет владельца.
func (m *UploadManager) lookup(clientID, uploadID string) (*uploadSession, error) {
	m.mu.Lock()
	s, ok := m.byID[uploadID]
	m.mu.Unlock()
	if !ok {
		return nil, protocolErrorf(protocol.CodeNotFound, "неизвестный или истёкший uploadId %q", uploadID)
	}
	// ClientID и UploadID неизменяемы — чтение без s.mu
	if s.rec.ClientID != clientID {
		return nil, protocolErrorf(protocol.CodeForbidden, "загрузка %s принадлежит другому клиенту", uploadID)
	}
	return s, nil
}

// releaseLocked переводит сессию в терминальный статус и освобождает ресурсы.
// Вызывается под s.mu.
func (m *UploadManager) releaseLocked(s *uploadSession, status session.Status) {
	s.rec.Status = status

	m.mu.Lock()
	if cur, ok := m.byID[s.rec.UploadID]; ok && cur == s {
		delete(m.byID, s.rec.UploadID)
	}
	if cur, ok := m.byKey[s.rec.Key()]; ok && cur == s {
		delete(m.byKey, s.rec.Key())
	}
	middleware.UploadSessions.Set(float64(len(m.byID)))
	m.mu.Unlock()

	m.discard(s.rec.UploadID)
}

// discard удаляет частичный файл и attr.json сессии.
func (m *UploadManager) discard(uploadID string) {
	if err := m.store.RemovePartial(uploadID); err != nil && !errors.Is(err, blobstore.ErrInvalidUploadID) {
		m.logger.Warn("Ошибка удаления частичного файла",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
	}
	_ = attr.Delete(attr.FilePath(m.cfg.TempDir, uploadID))
}

// persist сохраняет состояние сессии в attr.json.
func (m *UploadManager) persist(rec *session.Record) error {
	if err := attr.Write(attr.FilePath(m.cfg.TempDir, rec.UploadID), rec); err != nil {
		m.logger.Error("Ошибка сохранения сессии",
			slog.String("upload_id", rec.UploadID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (m *UploadManager) internal(stage, uploadID string, err error) *ProtocolError {
	m.logger.Error("Ошибка финализации загрузки",
		slog.String("stage", stage),
		slog.String("upload_id", uploadID),
		slog.String("error", err.Error()),
	)
	middleware.OperationsTotal.WithLabelValues("upload_finish", "error").Inc()
	return protocolErrorf(protocol.CodeInternal, "ошибка %s", stage)
}

func (m *UploadManager) initResult(rec *session.Record) *InitResult {
	return &InitResult{
		UploadID:      rec.UploadID,
		Status:        rec.Status,
		ReceivedBytes: rec.ReceivedBytes,
		ChunkSize:     m.cfg.ChunkSize,
	}
}

func (m *UploadManager) chunkResult(rec *session.Record) *ChunkResult {
	return &ChunkResult{
		UploadID:      rec.UploadID,
		ReceivedBytes: rec.ReceivedBytes,
		Status:        rec.Status,
	}
}
