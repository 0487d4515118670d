package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/media-sync/internal/config"
	"github.com/bigkaa/goartstore/media-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/media-sync/internal/domain/session"
	"github.com/bigkaa/goartstore/media-sync/internal/protocol"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/attr"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/blobstore"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/index"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/wal"
)

const mib = 1024 * 1024

// testEnv — окружение сервисных тестов на in-memory журнале.
type testEnv struct {
	cfg    *config.Config
	wal    *wal.WAL
	store  *blobstore.Store
	ledger *index.Index
	logger *slog.Logger
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupTestEnv создаёт директории, WAL, хранилище и журнал.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:               dir,
		BlobDir:               filepath.Join(dir, "blobs"),
		TempDir:               filepath.Join(dir, "tmp"),
		WALDir:                filepath.Join(dir, "wal"),
		UploadSessionTimeout:  time.Hour,
		ChunkSize:             mib,
		IntegrityBatchSize:    2,
		IntegrityOrphanSample: 100,
		RetentionPeriod:       0,
	}
	logger := testLogger()

	w, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}
	store, err := blobstore.New(cfg.BlobDir, cfg.TempDir, 0)
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	return &testEnv{cfg: cfg, wal: w, store: store, ledger: index.New(logger), logger: logger}
}

func (e *testEnv) uploads() *UploadManager {
	return NewUploadManager(e.cfg, e.wal, e.store, e.ledger, e.logger)
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

// requireCode проверяет, что err — ProtocolError с кодом code.
func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("ожидалась ProtocolError %d, получено %v", code, err)
	}
	if perr.Code != code {
		t.Fatalf("ожидался код %d, получен %d (%s)", code, perr.Code, perr.Message)
	}
}

// uploadAll загружает data одним клиентом и завершает загрузку.
func uploadAll(t *testing.T, m *UploadManager, client, name string, data []byte) *FinishResult {
	t.Helper()
	ctx := context.Background()
	res, err := m.Init(ctx, InitParams{ClientID: client, Filename: name, Size: int64(len(data)), Hash: sha(data)})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if res.ReceivedBytes < int64(len(data)) {
		if _, err := m.Chunk(ctx, client, res.UploadID, res.ReceivedBytes, data[res.ReceivedBytes:]); err != nil {
			t.Fatalf("Chunk: %v", err)
		}
	}
	fin, err := m.Finish(ctx, client, res.UploadID, sha(data))
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return fin
}

func TestInit_NewAndIdempotent(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	data := payload(1000, 1)

	first, err := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a.jpg", Size: 1000, Hash: sha(data)})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if first.Status != session.StatusActive || first.ReceivedBytes != 0 || first.ChunkSize != mib {
		t.Errorf("неверный ответ Init: %+v", first)
	}

	second, err := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a.jpg", Size: 1000, Hash: sha(data)})
	if err != nil {
		t.Fatalf("повторный Init: %v", err)
	}
	if second.UploadID != first.UploadID {
		t.Errorf("повторный Init должен вернуть ту же сессию: %s != %s", second.UploadID, first.UploadID)
	}

	other, _ := m.Init(ctx, InitParams{ClientID: "dev-2", Filename: "a.jpg", Size: 1000, Hash: sha(data)})
	if other.UploadID == first.UploadID {
		t.Error("другой клиент должен получить отдельную сессию")
	}
	if m.ActiveCount() != 2 {
		t.Errorf("ожидалось 2 сессии, получено %d", m.ActiveCount())
	}
}

func TestInit_Validation(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	valid := sha([]byte("x"))

	tests := []struct {
		name string
		p    InitParams
	}{
		{"без клиента", InitParams{Filename: "a", Size: 1, Hash: valid}},
		{"без имени", InitParams{ClientID: "c", Size: 1, Hash: valid}},
		{"отрицательный размер", InitParams{ClientID: "c", Filename: "a", Size: -1, Hash: valid}},
		{"плохой хэш", InitParams{ClientID: "c", Filename: "a", Size: 1, Hash: "abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Init(ctx, tt.p)
			requireCode(t, err, protocol.CodeBadRequest)
		})
	}
}

func TestChunk_ContiguousDuplicateAndGap(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	data := payload(3000, 7)

	res, _ := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a.bin", Size: 3000, Hash: sha(data)})
	id := res.UploadID

	ack, err := m.Chunk(ctx, "dev-1", id, 0, data[:1000])
	if err != nil || ack.ReceivedBytes != 1000 {
		t.Fatalf("первый чанк: %+v, %v", ack, err)
	}

	// Повтор принятого чанка — ACK без изменения счётчика
	ack, err = m.Chunk(ctx, "dev-1", id, 0, data[:1000])
	if err != nil || ack.ReceivedBytes != 1000 {
		t.Fatalf("повтор чанка: %+v, %v", ack, err)
	}
	ack, err = m.Chunk(ctx, "dev-1", id, 500, data[500:1000])
	if err != nil || ack.ReceivedBytes != 1000 {
		t.Fatalf("повтор части префикса: %+v, %v", ack, err)
	}

	// Разрыв
	_, err = m.Chunk(ctx, "dev-1", id, 2000, data[2000:])
	requireCode(t, err, protocol.CodeBadRequest)

	// Перекрытие с новыми байтами за префиксом
	_, err = m.Chunk(ctx, "dev-1", id, 500, data[500:1500])
	requireCode(t, err, protocol.CodeBadRequest)

	rec, _ := m.Get(id)
	if rec.ReceivedBytes != 1000 {
		t.Errorf("отклонённые чанки не должны менять receivedBytes: %d", rec.ReceivedBytes)
	}

	// Выход за объявленный размер
	_, err = m.Chunk(ctx, "dev-1", id, 1000, payload(2500, 1))
	requireCode(t, err, protocol.CodeBadRequest)

	// Смещение у границы int64: offset+len переполняется, это разрыв, а не повтор
	_, err = m.Chunk(ctx, "dev-1", id, math.MaxInt64-10, payload(100, 1))
	requireCode(t, err, protocol.CodeBadRequest)
	_, err = m.Chunk(ctx, "dev-1", id, 3001, nil)
	requireCode(t, err, protocol.CodeBadRequest)

	ack, err = m.Chunk(ctx, "dev-1", id, 1000, data[1000:])
	if err != nil || ack.ReceivedBytes != 3000 {
		t.Fatalf("последний чанк: %+v, %v", ack, err)
	}

	size, _ := env.store.PartialSize(id)
	if size != 3000 {
		t.Errorf("размер частичного файла: ожидалось 3000, получено %d", size)
	}
}

func TestChunk_UnknownAndForeign(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	data := payload(10, 0)

	_, err := m.Chunk(ctx, "dev-1", "0b8f3c2e-6a0d-4c55-9d1e-1f2a3b4c5d6e", 0, data)
	requireCode(t, err, protocol.CodeNotFound)

	res, _ := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a", Size: 10, Hash: sha(data)})
	_, err = m.Chunk(ctx, "dev-2", res.UploadID, 0, data)
	requireCode(t, err, protocol.CodeForbidden)
	_, err = m.Finish(ctx, "dev-2", res.UploadID, "")
	requireCode(t, err, protocol.CodeForbidden)
}

func TestInit_ResumeAfterReconnect(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	data := payload(5*mib, 3)

	res, _ := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "video.mp4", Size: 5 * mib, Hash: sha(data)})
	if _, err := m.Chunk(ctx, "dev-1", res.UploadID, 0, data[:mib]); err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	// Соединение оборвалось; клиент переподключается и повторяет Init
	resumed, err := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "video.mp4", Size: 5 * mib, Hash: sha(data)})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if resumed.UploadID != res.UploadID {
		t.Errorf("ожидалась та же сессия")
	}
	if resumed.Status != session.StatusResuming || resumed.ReceivedBytes != 1048576 {
		t.Errorf("ожидалось RESUMING/1048576, получено %s/%d", resumed.Status, resumed.ReceivedBytes)
	}

	if _, err := m.Chunk(ctx, "dev-1", res.UploadID, mib, data[mib:]); err != nil {
		t.Fatalf("Chunk после возобновления: %v", err)
	}
	if _, err := m.Finish(ctx, "dev-1", res.UploadID, sha(data)); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestInit_ReconcilesWithPartialFile(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	data := payload(4000, 9)

	res, _ := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a", Size: 4000, Hash: sha(data)})
	m.Chunk(ctx, "dev-1", res.UploadID, 0, data[:3000])

	// Сбой обрезал частичный файл
	if err := env.store.TruncatePartial(res.UploadID, 2000); err != nil {
		t.Fatalf("TruncatePartial: %v", err)
	}
	resumed, _ := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a", Size: 4000, Hash: sha(data)})
	if resumed.ReceivedBytes != 2000 {
		t.Errorf("receivedBytes должен совпасть с частичным файлом: %d", resumed.ReceivedBytes)
	}
}

func TestFinish_Success(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	data := payload(2048, 5)

	fin := uploadAll(t, m, "dev-1", "photo.jpg", data)
	if !fin.Created || fin.MediaID == 0 {
		t.Fatalf("неверный результат: %+v", fin)
	}

	rec, err := env.ledger.GetMedia(ctx, fin.MediaID)
	if err != nil {
		t.Fatalf("GetMedia: %v", err)
	}
	if rec.ContentHash != sha(data) || rec.Size != 2048 || rec.DeviceID != "dev-1" {
		t.Errorf("неверная запись: %+v", rec)
	}
	if ok, _ := env.store.Exists(sha(data)); !ok {
		t.Error("блоб должен быть в хранилище")
	}
	changes, _ := env.ledger.ListChanges(ctx, 0, 10)
	if len(changes) != 1 || changes[0].Op != model.OpCreate || changes[0].MediaID != fin.MediaID {
		t.Errorf("ожидалась одна CREATE-запись: %+v", changes)
	}

	// Сессия освобождена: чанк и attr.json больше недоступны
	_, err = m.Chunk(ctx, "dev-1", fin.UploadID, 0, data)
	requireCode(t, err, protocol.CodeNotFound)
	if _, err := os.Stat(attr.FilePath(env.cfg.TempDir, fin.UploadID)); !os.IsNotExist(err) {
		t.Error("attr.json сессии должен быть удалён")
	}
	pending, _ := env.wal.RecoverPending()
	if len(pending) != 0 {
		t.Errorf("не должно остаться pending WAL-транзакций: %d", len(pending))
	}
}

func TestFinish_SizeMismatch(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	data := payload(100, 1)

	res, _ := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a", Size: 100, Hash: sha(data)})
	m.Chunk(ctx, "dev-1", res.UploadID, 0, data[:50])

	_, err := m.Finish(ctx, "dev-1", res.UploadID, sha(data))
	requireCode(t, err, protocol.CodeSizeMismatch)

	// Сессия продолжает принимать чанки
	if _, err := m.Chunk(ctx, "dev-1", res.UploadID, 50, data[50:]); err != nil {
		t.Fatalf("Chunk после 422: %v", err)
	}
}

func TestFinish_ClaimedHashConflict(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	data := payload(100, 1)

	res, _ := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a", Size: 100, Hash: sha(data)})
	m.Chunk(ctx, "dev-1", res.UploadID, 0, data)

	// Байты корректны, но заявленный хэш отличается от хэша Init
	_, err := m.Finish(ctx, "dev-1", res.UploadID, sha([]byte("другое")))
	requireCode(t, err, protocol.CodeHashConflict)

	if n, _ := env.ledger.CountLive(ctx); n != 0 {
		t.Errorf("запись не должна создаваться: %d", n)
	}
	if _, err := m.Finish(ctx, "dev-1", res.UploadID, sha(data)); err != nil {
		t.Fatalf("Finish с верным хэшем после 409: %v", err)
	}
}

func TestFinish_RecomputedHashConflict(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	declared := payload(100, 1)
	actual := payload(100, 2)

	res, _ := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a", Size: 100, Hash: sha(declared)})
	m.Chunk(ctx, "dev-1", res.UploadID, 0, actual)

	_, err := m.Finish(ctx, "dev-1", res.UploadID, sha(declared))
	requireCode(t, err, protocol.CodeHashConflict)

	if ok, _ := env.store.Exists(sha(declared)); ok {
		t.Error("блоб не должен появиться при несовпадении хэша")
	}
	if _, ok := m.Get(res.UploadID); ok {
		t.Error("сессия с неверным содержимым должна быть удалена")
	}
	if size, _ := env.store.PartialSize(res.UploadID); size != 0 {
		t.Error("частичный файл должен быть удалён")
	}
}

func TestInit_DedupExistingBlob(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	data := payload(4096, 11)

	first := uploadAll(t, m, "dev-1", "a.jpg", data)

	res, err := m.Init(ctx, InitParams{ClientID: "dev-2", Filename: "copy.jpg", Size: 4096, Hash: sha(data)})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if res.Status != session.StatusResuming || res.ReceivedBytes != 4096 {
		t.Errorf("дедупликация: ожидалось RESUMING/4096, получено %s/%d", res.Status, res.ReceivedBytes)
	}

	fin, err := m.Finish(ctx, "dev-2", res.UploadID, "")
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if fin.Created || fin.MediaID != first.MediaID {
		t.Errorf("ожидалась существующая запись %d, получено %+v", first.MediaID, fin)
	}
	changes, _ := env.ledger.ListChanges(ctx, 0, 10)
	if len(changes) != 1 {
		t.Errorf("дедупликация не должна добавлять записи журнала: %d", len(changes))
	}
}

func TestInit_DedupSizeMismatch(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	data := payload(4096, 12)

	first := uploadAll(t, m, "dev-1", "a.jpg", data)
	if _, err := env.ledger.SoftDeleteMedia(ctx, first.MediaID, time.Now().UTC()); err != nil {
		t.Fatalf("SoftDeleteMedia: %v", err)
	}

	// Блоб с этим хэшем есть, но объявленный размер ему противоречит
	_, err := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a.jpg", Size: 10, Hash: sha(data)})
	requireCode(t, err, protocol.CodeHashConflict)

	if n := m.ActiveCount(); n != 0 {
		t.Errorf("сессия не должна создаваться: активных %d", n)
	}
	changes, _ := env.ledger.ListChanges(ctx, 0, 10)
	if len(changes) != 2 {
		t.Errorf("ожидалось 2 записи журнала (CREATE, DELETE), получено %d", len(changes))
	}
}

func TestFinish_BlobSizeMismatch(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	data := payload(4096, 13)

	// Сессия открыта до появления блоба: дедупликации ещё нет
	res, err := m.Init(ctx, InitParams{ClientID: "dev-2", Filename: "short.jpg", Size: 10, Hash: sha(data)})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if res.Status != session.StatusActive {
		t.Fatalf("ожидался ACTIVE, получено %s", res.Status)
	}
	uploadAll(t, m, "dev-1", "a.jpg", data)

	if _, err := m.Chunk(ctx, "dev-2", res.UploadID, 0, data[:10]); err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	_, err = m.Finish(ctx, "dev-2", res.UploadID, "")
	requireCode(t, err, protocol.CodeHashConflict)

	if _, ok := m.Get(res.UploadID); ok {
		t.Error("сессия с неверным размером должна быть удалена")
	}
	if n, _ := env.ledger.CountLive(ctx); n != 1 {
		t.Errorf("ожидалась одна живая запись, получено %d", n)
	}
	size, _ := env.store.Size(sha(data))
	if size != 4096 {
		t.Errorf("блоб не должен меняться: размер %d", size)
	}
}

func TestFinish_ZeroByteFile(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()

	res, err := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "empty.txt", Size: 0, Hash: sha(nil)})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	fin, err := m.Finish(ctx, "dev-1", res.UploadID, sha(nil))
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if size, err := env.store.Size(sha(nil)); err != nil || size != 0 {
		t.Errorf("ожидался пустой блоб: size=%d err=%v", size, err)
	}
	if rec, _ := env.ledger.GetMedia(ctx, fin.MediaID); rec.Size != 0 {
		t.Errorf("ожидалась запись нулевого размера: %+v", rec)
	}
}

func TestAbort(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	data := payload(100, 1)

	res, _ := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a", Size: 100, Hash: sha(data)})
	m.Chunk(ctx, "dev-1", res.UploadID, 0, data[:40])

	if err := m.Abort(ctx, "dev-2", res.UploadID); err == nil {
		t.Error("чужой клиент не может отменить загрузку")
	}
	if err := m.Abort(ctx, "dev-1", res.UploadID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := m.Abort(ctx, "dev-1", res.UploadID); err != nil {
		t.Errorf("повторный Abort не должен возвращать ошибку: %v", err)
	}
	if size, _ := env.store.PartialSize(res.UploadID); size != 0 {
		t.Error("частичный файл должен быть удалён")
	}

	// После отмены Init открывает новую сессию с нуля
	again, _ := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a", Size: 100, Hash: sha(data)})
	if again.UploadID == res.UploadID || again.ReceivedBytes != 0 {
		t.Errorf("ожидалась новая сессия, получено %+v", again)
	}
}

func TestReap(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	stale, _ := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a", Size: 10, Hash: sha(payload(10, 1))})
	clock = base.Add(50 * time.Minute)
	fresh, _ := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "b", Size: 10, Hash: sha(payload(10, 2))})

	if n := m.Reap(base.Add(61 * time.Minute)); n != 1 {
		t.Fatalf("ожидалась 1 истёкшая сессия, получено %d", n)
	}
	if _, ok := m.Get(stale.UploadID); ok {
		t.Error("истёкшая сессия должна быть удалена")
	}
	if _, ok := m.Get(fresh.UploadID); !ok {
		t.Error("активная сессия не должна удаляться")
	}
}

func TestRestore(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	data := payload(3000, 4)

	first := env.uploads()
	res, _ := first.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a", Size: 3000, Hash: sha(data)})
	first.Chunk(ctx, "dev-1", res.UploadID, 0, data[:1200])

	// Частичный файл без сессии — мусор после сбоя
	orphanID := "1c9a4a3e-2b7d-4f11-8a90-33c2d1e0f9ab"
	env.store.AppendPartial(orphanID, 0, []byte("junk"))

	second := env.uploads()
	n, err := second.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("ожидалась 1 восстановленная сессия, получено %d", n)
	}
	if size, _ := env.store.PartialSize(orphanID); size != 0 {
		t.Error("частичный файл без сессии должен быть удалён")
	}

	resumed, _ := second.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a", Size: 3000, Hash: sha(data)})
	if resumed.UploadID != res.UploadID || resumed.ReceivedBytes != 1200 {
		t.Errorf("ожидалось возобновление %s с 1200, получено %+v", res.UploadID, resumed)
	}
	second.Chunk(ctx, "dev-1", res.UploadID, 1200, data[1200:])
	if _, err := second.Finish(ctx, "dev-1", res.UploadID, sha(data)); err != nil {
		t.Fatalf("Finish после рестарта: %v", err)
	}
}

func TestChunk_ConcurrentDuplicates(t *testing.T) {
	env := setupTestEnv(t)
	m := env.uploads()
	ctx := context.Background()
	data := payload(8000, 6)

	res, _ := m.Init(ctx, InitParams{ClientID: "dev-1", Filename: "a", Size: 8000, Hash: sha(data)})

	// Каждый чанк отправляется одновременно несколькими горутинами
	for off := 0; off < 8000; off += 1000 {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := m.Chunk(ctx, "dev-1", res.UploadID, int64(off), data[off:off+1000]); err != nil {
					t.Errorf("Chunk %d: %v", off, err)
				}
			}()
		}
		wg.Wait()
	}

	rec, _ := m.Get(res.UploadID)
	if rec.ReceivedBytes != 8000 {
		t.Errorf("ожидалось 8000, получено %d", rec.ReceivedBytes)
	}
	path, _ := env.store.PartialPath(res.UploadID)
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, data) {
		t.Error("содержимое частичного файла повреждено")
	}
}

func TestInit_InsufficientStorage(t *testing.T) {
	env := setupTestEnv(t)
	store, err := blobstore.New(env.cfg.BlobDir, env.cfg.TempDir, 1000)
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	env.store = store
	m := env.uploads()

	_, err = m.Init(context.Background(), InitParams{ClientID: "dev-1", Filename: "big", Size: 5000, Hash: sha(payload(5000, 1))})
	requireCode(t, err, protocol.CodeInsufficientStorage)
}
