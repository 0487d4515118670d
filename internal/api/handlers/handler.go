// handler.go — APIHandler реализует generated.ServerInterface,
// делегируя вызовы в отдельные handler'ы по доменам.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/bigkaa/goartstore/media-sync/internal/api/generated"
	"github.com/bigkaa/goartstore/media-sync/internal/server"
)

// APIHandler — единая реализация ServerInterface, собирающая
// все доменные handlers в один объект.
type APIHandler struct {
	auth        *AuthHandler
	changes     *ChangesHandler
	media       *MediaHandler
	maintenance *MaintenanceHandler
	system      *SystemHandler
	health      *HealthHandler
	metrics     *server.MetricsHandler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	auth *AuthHandler,
	changes *ChangesHandler,
	media *MediaHandler,
	maintenance *MaintenanceHandler,
	system *SystemHandler,
	health *HealthHandler,
	metrics *server.MetricsHandler,
) *APIHandler {
	return &APIHandler{
		auth:        auth,
		changes:     changes,
		media:       media,
		maintenance: maintenance,
		system:      system,
		health:      health,
		metrics:     metrics,
	}
}

// --- Auth ---

func (h *APIHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.auth.Login(w, r)
}

// --- Change feed ---

func (h *APIHandler) ListChanges(w http.ResponseWriter, r *http.Request, params generated.ListChangesParams) {
	h.changes.ListChanges(w, r, params)
}

// --- Media ---

func (h *APIHandler) GetMedia(w http.ResponseWriter, r *http.Request, id generated.MediaId) {
	h.media.GetMedia(w, r, id)
}

func (h *APIHandler) DeleteMedia(w http.ResponseWriter, r *http.Request, id generated.MediaId) {
	h.media.DeleteMedia(w, r, id)
}

func (h *APIHandler) DownloadMedia(w http.ResponseWriter, r *http.Request, id generated.MediaId) {
	h.media.DownloadMedia(w, r, id)
}

// --- Integrity & maintenance ---

func (h *APIHandler) GetIntegrityReport(w http.ResponseWriter, r *http.Request) {
	h.maintenance.GetIntegrityReport(w, r)
}

func (h *APIHandler) ListIntegrityFindings(w http.ResponseWriter, r *http.Request, category string) {
	h.maintenance.ListIntegrityFindings(w, r, category)
}

func (h *APIHandler) RunIntegrityScan(w http.ResponseWriter, r *http.Request, params generated.RunIntegrityScanParams) {
	h.maintenance.RunIntegrityScan(w, r, params)
}

func (h *APIHandler) RunPurge(w http.ResponseWriter, r *http.Request) {
	h.maintenance.RunPurge(w, r)
}

// --- System ---

func (h *APIHandler) GetSystemInfo(w http.ResponseWriter, r *http.Request) {
	h.system.GetSystemInfo(w, r)
}

func (h *APIHandler) GetOpenAPI(w http.ResponseWriter, r *http.Request) {
	h.system.GetOpenAPI(w, r)
}

// --- Health ---

func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// --- Metrics ---

func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.GetMetrics(w, r)
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Проверка соответствия интерфейсу на этапе компиляции.
var _ generated.ServerInterface = (*APIHandler)(nil)
