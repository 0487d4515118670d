package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/bigkaa/goartstore/media-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/media-sync/internal/config"
	"github.com/bigkaa/goartstore/media-sync/internal/server"
	"github.com/bigkaa/goartstore/media-sync/internal/service"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/blobstore"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/index"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/wal"
)

const testPassword = "correct horse"

// apiEnv — HTTP API поверх in-memory журнала.
type apiEnv struct {
	ts      *httptest.Server
	store   *blobstore.Store
	ledger  *index.Index
	uploads *service.UploadManager
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupAPI(t *testing.T) *apiEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		ServerName:            "media-sync-test",
		TLSDisabled:           true,
		DataDir:               dir,
		BlobDir:               filepath.Join(dir, "blobs"),
		TempDir:               filepath.Join(dir, "tmp"),
		WALDir:                filepath.Join(dir, "wal"),
		UploadSessionTimeout:  time.Hour,
		ChunkSize:             1 << 20,
		IntegrityBatchSize:    10,
		IntegrityOrphanSample: 100,
		AdminUser:             "admin",
		AdminPassword:         testPassword,
		BcryptCost:            bcrypt.MinCost,
		AuthMaxFailed:         2,
		AuthLockout:           15 * time.Minute,
		AuthSessionTTL:        time.Hour,
		ShutdownTimeout:       time.Second,
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
	ledger := index.New(logger)
	uploads := service.NewUploadManager(cfg, w, store, ledger, logger)

	auth, err := service.NewAuthService(cfg, logger)
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{Secret: auth.Secret()}, logger)
	if err != nil {
		t.Fatalf("NewJWTAuth: %v", err)
	}

	scanner := service.NewIntegrityScanner(cfg, store, ledger, logger)
	scanner.Start(context.Background())
	t.Cleanup(scanner.Stop)

	api := NewAPIHandler(
		NewAuthHandler(auth, logger),
		NewChangesHandler(service.NewChangeFeed(ledger, logger), logger),
		NewMediaHandler(service.NewMediaService(store, ledger, logger)),
		NewMaintenanceHandler(scanner, service.NewPurgeService(w, store, ledger, 0, 10, logger), logger),
		NewSystemHandler(cfg, ledger, store, uploads, nil, nil, logger),
		NewHealthHandler(cfg.TempDir, cfg.WALDir, ledger),
		server.NewMetricsHandler(),
	)
	srv := server.New(cfg, logger, api,
		middleware.RequestLogger(logger),
		server.JWTAuthWithExclusions(jwtAuth.Middleware(), "/health/", "/metrics", "/api/auth/login", "/api/openapi.json"),
	)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiEnv{ts: ts, store: store, ledger: ledger, uploads: uploads}
}

// do выполняет запрос и декодирует JSON-ответ в out (если не nil).
func (e *apiEnv) do(t *testing.T, method, path, token string, body any, out any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: декодирование ответа: %v", method, path, err)
		}
	}
	return resp
}

func (e *apiEnv) login(t *testing.T) string {
	t.Helper()
	var out struct {
		Token string `json:"token"`
	}
	resp := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "admin", "password": testPassword}, &out)
	if resp.StatusCode != http.StatusOK || out.Token == "" {
		t.Fatalf("вход: статус %d", resp.StatusCode)
	}
	return out.Token
}

// upload загружает data через менеджер загрузок и возвращает id записи.
func (e *apiEnv) upload(t *testing.T, name string, data []byte) (int64, string) {
	t.Helper()
	ctx := context.Background()
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	res, err := e.uploads.Init(ctx, service.InitParams{ClientID: "phone-1", Filename: name, Size: int64(len(data)), Hash: hash, MimeType: "image/jpeg"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := e.uploads.Chunk(ctx, "phone-1", res.UploadID, 0, data); err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	fin, err := e.uploads.Finish(ctx, "phone-1", res.UploadID, hash)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return fin.MediaID, hash
}

func TestAPI_AuthRequired(t *testing.T) {
	env := setupAPI(t)

	if resp := env.do(t, http.MethodGet, "/api/changes", "", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("без токена: хотели 401, получили %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodDelete, "/api/media/1", "garbage", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("невалидный токен: хотели 401, получили %d", resp.StatusCode)
	}
	for _, path := range []string{"/health/live", "/health/ready", "/metrics", "/api/openapi.json"} {
		if resp := env.do(t, http.MethodGet, path, "", nil, nil); resp.StatusCode != http.StatusOK {
			t.Errorf("%s без токена: хотели 200, получили %d", path, resp.StatusCode)
		}
	}
}

func TestAPI_LoginLockout(t *testing.T) {
	env := setupAPI(t)
	wrong := map[string]string{"username": "admin", "password": "wrong"}

	if resp := env.do(t, http.MethodPost, "/api/auth/login", "", wrong, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("первая неудача: хотели 401, получили %d", resp.StatusCode)
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
		RetryAfter int64 `json:"retry_after"`
	}
	resp := env.do(t, http.MethodPost, "/api/auth/login", "", wrong, &body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("блокировка: хотели 429, получили %d", resp.StatusCode)
	}
	if body.Error.Code != "LOCKED_OUT" || body.RetryAfter <= 0 {
		t.Errorf("тело ответа блокировки: %+v", body)
	}
	if ra, err := strconv.Atoi(resp.Header.Get("Retry-After")); err != nil || int64(ra) != body.RetryAfter {
		t.Errorf("Retry-After %q не совпадает с retry_after %d", resp.Header.Get("Retry-After"), body.RetryAfter)
	}

	// верный пароль во время блокировки тоже отклоняется
	right := map[string]string{"username": "admin", "password": testPassword}
	if resp := env.do(t, http.MethodPost, "/api/auth/login", "", right, nil); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("во время блокировки: хотели 429, получили %d", resp.StatusCode)
	}

	if resp := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "admin"}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("без пароля: хотели 400, получили %d", resp.StatusCode)
	}
}

type changePage struct {
	Items []struct {
		ID      int64  `json:"id"`
		Op      string `json:"op"`
		MediaID int64  `json:"mediaId"`
	} `json:"items"`
	NextCursor int64 `json:"nextCursor"`
	HasMore    bool  `json:"hasMore"`
}

func TestAPI_ChangesAndSoftDelete(t *testing.T) {
	env := setupAPI(t)
	token := env.login(t)

	firstID, firstHash := env.upload(t, "a.jpg", []byte("first photo"))
	env.upload(t, "b.jpg", []byte("second photo"))

	var page changePage
	env.do(t, http.MethodGet, "/api/changes?limit=1", token, nil, &page)
	if len(page.Items) != 1 || !page.HasMore || page.Items[0].Op != "CREATE" || page.Items[0].MediaID != firstID {
		t.Fatalf("первая страница: %+v", page)
	}

	cursor := page.NextCursor
	env.do(t, http.MethodGet, fmt.Sprintf("/api/changes?cursor=%d&limit=10", cursor), token, nil, &page)
	if len(page.Items) != 1 || page.HasMore || page.Items[0].ID <= cursor {
		t.Fatalf("вторая страница: %+v", page)
	}

	var rec struct {
		ID        int64      `json:"id"`
		DeletedAt *time.Time `json:"deletedAt"`
	}
	resp := env.do(t, http.MethodDelete, fmt.Sprintf("/api/media/%d", firstID), token, nil, &rec)
	if resp.StatusCode != http.StatusOK || rec.ID != firstID || rec.DeletedAt == nil {
		t.Fatalf("DELETE: статус %d, запись %+v", resp.StatusCode, rec)
	}

	// блоб остаётся до очистки
	if ok, err := env.store.Exists(firstHash); err != nil || !ok {
		t.Errorf("soft-delete не должен удалять блоб: exists=%v err=%v", ok, err)
	}

	cursor = page.NextCursor
	env.do(t, http.MethodGet, fmt.Sprintf("/api/changes?cursor=%d", cursor), token, nil, &page)
	if len(page.Items) != 1 || page.Items[0].Op != "DELETE" || page.Items[0].MediaID != firstID {
		t.Fatalf("после удаления: %+v", page)
	}

	// пустая страница сохраняет курсор
	cursor = page.NextCursor
	env.do(t, http.MethodGet, fmt.Sprintf("/api/changes?cursor=%d", cursor), token, nil, &page)
	if len(page.Items) != 0 || page.NextCursor != cursor || page.HasMore {
		t.Errorf("пустая страница: %+v", page)
	}

	if resp := env.do(t, http.MethodGet, fmt.Sprintf("/api/media/%d/content", firstID), token, nil, nil); resp.StatusCode != http.StatusGone {
		t.Errorf("содержимое удалённой записи: хотели 410, получили %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodDelete, "/api/media/9999", token, nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("DELETE неизвестной записи: хотели 404, получили %d", resp.StatusCode)
	}
}

func TestAPI_ChangesInvalidParams(t *testing.T) {
	env := setupAPI(t)
	token := env.login(t)

	for _, query := range []string{"cursor=abc", "limit=0", "cursor=-1", "limit=x"} {
		if resp := env.do(t, http.MethodGet, "/api/changes?"+query, token, nil, nil); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: хотели 400, получили %d", query, resp.StatusCode)
		}
	}
	if resp := env.do(t, http.MethodGet, "/api/media/abc", token, nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("нечисловой id: хотели 400, получили %d", resp.StatusCode)
	}
}

func TestAPI_MediaContent(t *testing.T) {
	env := setupAPI(t)
	token := env.login(t)
	data := []byte("jpeg bytes")
	id, hash := env.upload(t, "photo.jpg", data)

	req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/media/%d/content", env.ts.URL, id), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET content: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body, data) {
		t.Fatalf("content: статус %d, тело %q", resp.StatusCode, body)
	}
	if resp.Header.Get("ETag") != strconv.Quote(hash) {
		t.Errorf("ETag: %q", resp.Header.Get("ETag"))
	}

	var rec struct {
		Filename string `json:"filename"`
		BlobHash string `json:"blobHash"`
	}
	env.do(t, http.MethodGet, fmt.Sprintf("/api/media/%d", id), token, nil, &rec)
	if rec.Filename != "photo.jpg" || rec.BlobHash != hash {
		t.Errorf("GET media: %+v", rec)
	}
	if resp := env.do(t, http.MethodGet, "/api/media/777", token, nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("неизвестная запись: хотели 404, получили %d", resp.StatusCode)
	}
}

func TestAPI_IntegrityAndPurge(t *testing.T) {
	env := setupAPI(t)
	token := env.login(t)

	liveID, liveHash := env.upload(t, "live.jpg", []byte("live"))
	deletedID, deletedHash := env.upload(t, "gone.jpg", []byte("gone"))
	env.do(t, http.MethodDelete, fmt.Sprintf("/api/media/%d", deletedID), token, nil, nil)

	path, err := env.store.BlobPath(liveHash)
	if err != nil {
		t.Fatalf("BlobPath: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	var report struct {
		Status  string `json:"status"`
		Missing int    `json:"missing"`
		Orphan  int    `json:"orphan"`
	}
	resp := env.do(t, http.MethodPost, "/api/maintenance/integrity?kind=missing", token, nil, &report)
	if resp.StatusCode != http.StatusOK || report.Missing != 1 || report.Status != service.ReportDegraded {
		t.Fatalf("проверка: статус %d, отчёт %+v", resp.StatusCode, report)
	}

	var findings struct {
		Category string `json:"category"`
		Items    []struct {
			MediaID int64 `json:"mediaId"`
		} `json:"items"`
	}
	env.do(t, http.MethodGet, "/api/integrity/findings/missing", token, nil, &findings)
	if len(findings.Items) != 1 || findings.Items[0].MediaID != liveID {
		t.Errorf("находки missing: %+v", findings)
	}
	env.do(t, http.MethodGet, "/api/integrity", token, nil, &report)
	if report.Missing != 1 {
		t.Errorf("последний отчёт: %+v", report)
	}

	if resp := env.do(t, http.MethodGet, "/api/integrity/findings/bogus", token, nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("неизвестная категория: хотели 400, получили %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPost, "/api/maintenance/integrity?kind=bogus", token, nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("неизвестный вид проверки: хотели 400, получили %d", resp.StatusCode)
	}

	var purge struct {
		Purged       int `json:"purged"`
		BlobsDeleted int `json:"blobsDeleted"`
	}
	env.do(t, http.MethodPost, "/api/maintenance/purge", token, nil, &purge)
	if purge.Purged != 1 || purge.BlobsDeleted != 1 {
		t.Errorf("очистка: %+v", purge)
	}
	if ok, _ := env.store.Exists(deletedHash); ok {
		t.Error("блоб очищенной записи должен быть удалён")
	}
}

func TestAPI_SystemInfoAndHealth(t *testing.T) {
	env := setupAPI(t)
	token := env.login(t)
	env.upload(t, "a.jpg", []byte("aaaa"))

	var info struct {
		ServerName string `json:"server_name"`
		Media      struct {
			Live int64 `json:"live"`
		} `json:"media"`
		Storage struct {
			UsedBytes int64 `json:"used_bytes"`
		} `json:"storage"`
	}
	env.do(t, http.MethodGet, "/api/system/info", token, nil, &info)
	if info.ServerName != "media-sync-test" || info.Media.Live != 1 || info.Storage.UsedBytes != 4 {
		t.Errorf("system info: %+v", info)
	}

	var health struct {
		Status string `json:"status"`
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	env.do(t, http.MethodGet, "/health/ready", "", nil, &health)
	if health.Status != "ok" || health.Checks["ledger"].Status != "ok" || health.Checks["storage"].Status != "ok" {
		t.Errorf("readiness: %+v", health)
	}

	var doc struct {
		OpenAPI string `json:"openapi"`
	}
	env.do(t, http.MethodGet, "/api/openapi.json", "", nil, &doc)
	if doc.OpenAPI != "3.0.3" {
		t.Errorf("openapi.json: %+v", doc)
	}
}
