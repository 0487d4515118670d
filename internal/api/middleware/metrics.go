// metrics.go — Prometheus метрики media-sync.
// HTTP: ms_http_requests_total, ms_http_request_duration_seconds.
// Бизнес-метрики экспортируются и обновляются из сервисного слоя
// и обработчика соединений.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_http_requests_total",
			Help: "Общее количество HTTP-запросов к media-sync",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ms_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к media-sync в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики (экспортируются для обновления из сервисного слоя)
var (
	// MediaTotal — текущее количество записей медиа по состоянию (live, deleted).
	MediaTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ms_media_total",
			Help: "Текущее количество записей медиа",
		},
		[]string{"state"},
	)

	// StorageBytes — объём, занятый блобами.
	StorageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ms_storage_bytes",
			Help: "Объём, занятый блобами, в байтах",
		},
	)

	// OperationsTotal — количество операций по типу и результату.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_operations_total",
			Help: "Общее количество операций",
		},
		[]string{"operation", "result"},
	)

	// UploadBytesTotal — принятые байты чанков (без повторов).
	UploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ms_upload_bytes_total",
			Help: "Количество принятых байт загрузок",
		},
	)

	// UploadSessions — открытые сессии загрузки.
	UploadSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ms_upload_sessions",
			Help: "Количество открытых сессий загрузки",
		},
	)

	// SyncConnections — активные соединения протокола синхронизации.
	SyncConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ms_sync_connections",
			Help: "Количество активных соединений синхронизации",
		},
	)

	// ProtocolErrorsTotal — отправленные PROTOCOL_ERROR по коду.
	ProtocolErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ms_protocol_errors_total",
			Help: "Количество отправленных PROTOCOL_ERROR",
		},
		[]string{"code"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath заменяет числовые сегменты пути на {id} для предотвращения
// взрывного роста кардинальности метрик.
// /api/media/42/content → /api/media/{id}/content
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/api/") {
		return path
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if isNumericSegment(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

// isNumericSegment проверяет, что сегмент пути — непустое десятичное число.
func isNumericSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, c := range seg {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
