// Package generated — типы, интерфейс сервера и chi-роутер HTTP API
// в формате oapi-codegen (chi-server). Контракт — openapi.yaml.
package generated

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// MediaId defines model for MediaId.
type MediaId = int64

// LoginRequest defines model for LoginRequest.
type LoginRequest struct {
	Password string `json:"password"`
	Username string `json:"username"`
}

// LoginResponse defines model for LoginResponse.
type LoginResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"token"`
}

// HealthCheck defines model for HealthCheck.
type HealthCheck struct {
	Message *string `json:"message,omitempty"`
	Status  string  `json:"status"`
}

// HealthResponse defines model for HealthResponse.
type HealthResponse struct {
	Checks    *map[string]HealthCheck `json:"checks,omitempty"`
	Service   string                  `json:"service"`
	Status    HealthResponseStatus    `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Version   string                  `json:"version"`
}

// HealthResponseStatus defines model for HealthResponse.Status.
type HealthResponseStatus string

// Defines values for HealthResponseStatus.
const (
	HealthResponseStatusOk       HealthResponseStatus = "ok"
	HealthResponseStatusDegraded HealthResponseStatus = "degraded"
	HealthResponseStatusFail     HealthResponseStatus = "fail"
)

// MediaCounts defines model for SystemInfo.Media.
type MediaCounts struct {
	Live        int64 `json:"live"`
	SoftDeleted int64 `json:"soft_deleted"`
}

// StorageUsage defines model for SystemInfo.Storage.
type StorageUsage struct {
	DiskAvailable int64 `json:"disk_available"`
	DiskTotal     int64 `json:"disk_total"`
	MaxBytes      int64 `json:"max_bytes"`
	UsedBytes     int64 `json:"used_bytes"`
}

// SystemInfo defines model for SystemInfo.
type SystemInfo struct {
	ActiveUploads   int              `json:"active_uploads"`
	Dependencies    *map[string]bool `json:"dependencies,omitempty"`
	Media           MediaCounts      `json:"media"`
	ServerName      string           `json:"server_name"`
	Storage         StorageUsage     `json:"storage"`
	SyncConnections int              `json:"sync_connections"`
	Version         string           `json:"version"`
}

// Finding defines model for Finding.
type Finding struct {
	BlobHash   string    `json:"blobHash"`
	Category   string    `json:"category"`
	DetectedAt time.Time `json:"detectedAt"`
	Detail     *string   `json:"detail,omitempty"`
	MediaId    *int64    `json:"mediaId,omitempty"`
}

// FindingList defines model for FindingList.
type FindingList struct {
	Category string    `json:"category"`
	Items    []Finding `json:"items"`
}

// ListChangesParams defines parameters for ListChanges.
type ListChangesParams struct {
	Cursor *int64 `form:"cursor,omitempty" json:"cursor,omitempty"`
	Limit  *int   `form:"limit,omitempty" json:"limit,omitempty"`
}

// RunIntegrityScanParams defines parameters for RunIntegrityScan.
type RunIntegrityScanParams struct {
	Kind *string `form:"kind,omitempty" json:"kind,omitempty"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (POST /api/auth/login)
	Login(w http.ResponseWriter, r *http.Request)
	// (GET /api/changes)
	ListChanges(w http.ResponseWriter, r *http.Request, params ListChangesParams)
	// (GET /api/integrity)
	GetIntegrityReport(w http.ResponseWriter, r *http.Request)
	// (GET /api/integrity/findings/{category})
	ListIntegrityFindings(w http.ResponseWriter, r *http.Request, category string)
	// (POST /api/maintenance/integrity)
	RunIntegrityScan(w http.ResponseWriter, r *http.Request, params RunIntegrityScanParams)
	// (POST /api/maintenance/purge)
	RunPurge(w http.ResponseWriter, r *http.Request)
	// (DELETE /api/media/{id})
	DeleteMedia(w http.ResponseWriter, r *http.Request, id MediaId)
	// (GET /api/media/{id})
	GetMedia(w http.ResponseWriter, r *http.Request, id MediaId)
	// (GET /api/media/{id}/content)
	DownloadMedia(w http.ResponseWriter, r *http.Request, id MediaId)
	// (GET /api/openapi.json)
	GetOpenAPI(w http.ResponseWriter, r *http.Request)
	// (GET /api/system/info)
	GetSystemInfo(w http.ResponseWriter, r *http.Request)
	// (GET /health/live)
	HealthLive(w http.ResponseWriter, r *http.Request)
	// (GET /health/ready)
	HealthReady(w http.ResponseWriter, r *http.Request)
	// (GET /metrics)
	GetMetrics(w http.ResponseWriter, r *http.Request)
}

// ServerInterfaceWrapper converts contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandlerFunc   func(w http.ResponseWriter, r *http.Request, err error)
}

type MiddlewareFunc func(http.Handler) http.Handler

func (siw *ServerInterfaceWrapper) serve(w http.ResponseWriter, r *http.Request, fn http.HandlerFunc) {
	handler := http.Handler(fn)
	for _, middleware := range siw.HandlerMiddlewares {
		handler = middleware(handler)
	}
	handler.ServeHTTP(w, r)
}

// Login operation middleware
func (siw *ServerInterfaceWrapper) Login(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.Login)
}

// ListChanges operation middleware
func (siw *ServerInterfaceWrapper) ListChanges(w http.ResponseWriter, r *http.Request) {
	var err error

	// Parameter object where we will unmarshal all parameters from the context
	var params ListChangesParams

	// ------------- Optional query parameter "cursor" -------------

	err = runtime.BindQueryParameter("form", true, false, "cursor", r.URL.Query(), &params.Cursor)
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "cursor", Err: err})
		return
	}

	// ------------- Optional query parameter "limit" -------------

	err = runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &params.Limit)
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "limit", Err: err})
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.ListChanges(w, r, params)
	})
}

// GetIntegrityReport operation middleware
func (siw *ServerInterfaceWrapper) GetIntegrityReport(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.GetIntegrityReport)
}

// ListIntegrityFindings operation middleware
func (siw *ServerInterfaceWrapper) ListIntegrityFindings(w http.ResponseWriter, r *http.Request) {
	var err error

	// ------------- Path parameter "category" -------------
	var category string

	err = runtime.BindStyledParameterWithOptions("simple", "category", chi.URLParam(r, "category"), &category, runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "category", Err: err})
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.ListIntegrityFindings(w, r, category)
	})
}

// RunIntegrityScan operation middleware
func (siw *ServerInterfaceWrapper) RunIntegrityScan(w http.ResponseWriter, r *http.Request) {
	var err error

	var params RunIntegrityScanParams

	// ------------- Optional query parameter "kind" -------------

	err = runtime.BindQueryParameter("form", true, false, "kind", r.URL.Query(), &params.Kind)
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "kind", Err: err})
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.RunIntegrityScan(w, r, params)
	})
}

// RunPurge operation middleware
func (siw *ServerInterfaceWrapper) RunPurge(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.RunPurge)
}

// bindMediaID разбирает path-параметр id.
func (siw *ServerInterfaceWrapper) bindMediaID(w http.ResponseWriter, r *http.Request) (MediaId, bool) {
	var id MediaId

	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id, runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "id", Err: err})
		return 0, false
	}
	return id, true
}

// DeleteMedia operation middleware
func (siw *ServerInterfaceWrapper) DeleteMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := siw.bindMediaID(w, r)
	if !ok {
		return
	}
	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.DeleteMedia(w, r, id)
	})
}

// GetMedia operation middleware
func (siw *ServerInterfaceWrapper) GetMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := siw.bindMediaID(w, r)
	if !ok {
		return
	}
	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetMedia(w, r, id)
	})
}

// DownloadMedia operation middleware
func (siw *ServerInterfaceWrapper) DownloadMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := siw.bindMediaID(w, r)
	if !ok {
		return
	}
	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.DownloadMedia(w, r, id)
	})
}

// GetOpenAPI operation middleware
func (siw *ServerInterfaceWrapper) GetOpenAPI(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.GetOpenAPI)
}

// GetSystemInfo operation middleware
func (siw *ServerInterfaceWrapper) GetSystemInfo(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.GetSystemInfo)
}

// HealthLive operation middleware
func (siw *ServerInterfaceWrapper) HealthLive(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.HealthLive)
}

// HealthReady operation middleware
func (siw *ServerInterfaceWrapper) HealthReady(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.HealthReady)
}

// GetMetrics operation middleware
func (siw *ServerInterfaceWrapper) GetMetrics(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.GetMetrics)
}

type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("Invalid format for parameter %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error {
	return e.Err
}

// Handler creates http.Handler with routing matching OpenAPI spec.
func Handler(si ServerInterface) http.Handler {
	return HandlerWithOptions(si, ChiServerOptions{})
}

type ChiServerOptions struct {
	BaseURL          string
	BaseRouter       chi.Router
	Middlewares      []MiddlewareFunc
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// HandlerFromMux creates http.Handler with routing matching OpenAPI spec based on the provided mux.
func HandlerFromMux(si ServerInterface, r chi.Router) http.Handler {
	return HandlerWithOptions(si, ChiServerOptions{
		BaseRouter: r,
	})
}

// HandlerWithOptions creates http.Handler with additional options
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter

	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandlerFunc:   options.ErrorHandlerFunc,
	}

	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/api/auth/login", wrapper.Login)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/changes", wrapper.ListChanges)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/integrity", wrapper.GetIntegrityReport)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/integrity/findings/{category}", wrapper.ListIntegrityFindings)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/api/maintenance/integrity", wrapper.RunIntegrityScan)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/api/maintenance/purge", wrapper.RunPurge)
	})
	r.Group(func(r chi.Router) {
		r.Delete(options.BaseURL+"/api/media/{id}", wrapper.DeleteMedia)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/media/{id}", wrapper.GetMedia)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/media/{id}/content", wrapper.DownloadMedia)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/openapi.json", wrapper.GetOpenAPI)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/system/info", wrapper.GetSystemInfo)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/health/live", wrapper.HealthLive)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/health/ready", wrapper.HealthReady)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/metrics", wrapper.GetMetrics)
	})

	return r
}
