package localserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	cachestatus "github.com/always-cache/localserver/pkg/cache-status"
	rawheaders "github.com/always-cache/localserver/pkg/raw-headers"
	secorigin "github.com/always-cache/localserver/pkg/security-origin"
	"github.com/always-cache/localserver/resourcestore"
	"github.com/always-cache/localserver/updatetask"
	"github.com/always-cache/localserver/webcachedb"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// AdminPrefix is the path prefix of the management endpoints.
const AdminPrefix = "/.localserver"

// Cache-Status details of stored responses that could not be served.
const (
	detailLookupError = "lookup-error"
	detailBadHeaders  = "bad-headers"
)

func (l *LocalServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(l.log))
	r.Route(AdminPrefix+"/stores", func(r chi.Router) {
		r.Get("/", l.listStores)
		r.Post("/", l.createStore)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", l.getStore)
			r.Delete("/", l.deleteStore)
			r.Put("/manifest", l.setManifestURL)
			r.Put("/enabled", l.setEnabled)
			r.Post("/update", l.startUpdate)
		})
	})
	r.HandleFunc("/*", l.serveStored)
	return r
}

// ServeHTTP implements the http.Handler interface.
func (l *LocalServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.router.ServeHTTP(w, r)
}

// serveStored answers from the CURRENT version of the stores of the
// request's origin.
func (l *LocalServer) serveStored(w http.ResponseWriter, r *http.Request) {
	cs := cachestatus.CacheStatus{}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		cs.Forward(cachestatus.FwdMethod)
		l.sendError(w, r, cs, http.StatusMethodNotAllowed)
		return
	}

	origin, err := secorigin.FromURL(requestOrigin(r))
	if err != nil {
		cs.Forward(cachestatus.FwdBypass)
		l.sendError(w, r, cs, http.StatusBadRequest)
		return
	}
	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}

	resolved, payload, err := l.Lookup(r.Context(), origin.URL()+r.URL.RequestURI(), cookies)
	if errors.Is(err, webcachedb.ErrNotFound) {
		cs.Forward(cachestatus.FwdUriMiss)
		l.sendError(w, r, cs, http.StatusNotFound)
		return
	}
	if err != nil {
		getLogger(r).Error().Err(err).Str("url", r.URL.String()).Msg("Could not look up stored response")
		cs.Forward(cachestatus.FwdMiss)
		cs.Detail(detailLookupError)
		l.sendError(w, r, cs, http.StatusInternalServerError)
		return
	}

	header, err := rawheaders.Parse(payload.Headers)
	if err != nil {
		getLogger(r).Error().Err(err).Int64("payload", payload.ID).Msg("Could not parse stored headers")
		cs.Forward(cachestatus.FwdMiss)
		cs.Detail(detailBadHeaders)
		l.sendError(w, r, cs, http.StatusInternalServerError)
		return
	}

	cs.Hit()
	cs.Key = resolved.Version
	copyHeader(w.Header(), header)
	w.Header().Set(rawheaders.ContentLength, strconv.Itoa(len(payload.Body)))
	w.Header().Set(cachestatus.HeaderName, cs.String())
	w.WriteHeader(payload.StatusCode)
	if r.Method != http.MethodHead {
		if _, err := w.Write(payload.Body); err != nil {
			getLogger(r).Error().Err(err).Msg("Could not write response body to client")
		}
	}
	logRequest(r, cs, payload.StatusCode)
}

func (l *LocalServer) sendError(w http.ResponseWriter, r *http.Request, cs cachestatus.CacheStatus, statusCode int) {
	w.Header().Set(cachestatus.HeaderName, cs.String())
	http.Error(w, http.StatusText(statusCode), statusCode)
	logRequest(r, cs, statusCode)
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the global logger.
func getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	return logger
}

func logRequest(r *http.Request, cs cachestatus.CacheStatus, statusCode int) {
	getLogger(r).Info().
		Str("method", r.Method).
		Str("host", r.Host).
		Str("path", r.URL.RequestURI()).
		Int("status", statusCode).
		Str("cache", cs.String()).
		Msg("Served request")
}

// requestOrigin returns the origin url the request was made to.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

type createStoreRequest struct {
	Origin         string `json:"origin"`
	Name           string `json:"name"`
	RequiredCookie string `json:"requiredCookie"`
	ManifestURL    string `json:"manifestUrl"`
}

func (l *LocalServer) createStore(w http.ResponseWriter, r *http.Request) {
	var req createStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	store, err := l.CreateStore(r.Context(), req.Origin, req.Name, req.RequiredCookie)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if req.ManifestURL != "" {
		if err := store.SetManifestURL(r.Context(), req.ManifestURL); err != nil {
			writeStoreError(w, r, err)
			return
		}
	}
	status, err := l.Status(r.Context(), store.ID())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (l *LocalServer) listStores(w http.ResponseWriter, r *http.Request) {
	statuses, err := l.Statuses(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (l *LocalServer) getStore(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r)
	if !ok {
		return
	}
	status, err := l.Status(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (l *LocalServer) deleteStore(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r)
	if !ok {
		return
	}
	if err := l.RemoveStore(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (l *LocalServer) setManifestURL(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r)
	if !ok {
		return
	}
	var req struct {
		ManifestURL string `json:"manifestUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	store, err := l.OpenStore(r.Context(), id)
	if err == nil {
		err = store.SetManifestURL(r.Context(), req.ManifestURL)
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (l *LocalServer) setEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	store, err := l.OpenStore(r.Context(), id)
	if err == nil {
		err = store.SetEnabled(r.Context(), req.Enabled)
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (l *LocalServer) startUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r)
	if !ok {
		return
	}
	task, err := l.StartUpdate(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": task.ID()})
}

func storeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid store id"))
		return 0, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, webcachedb.ErrNotFound), errors.Is(err, resourcestore.ErrRemoved):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, updatetask.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, resourcestore.ErrCorruptStore):
		writeError(w, http.StatusGone, err)
	case errors.Is(err, resourcestore.ErrNotSameOrigin), errors.Is(err, secorigin.ErrorInvalidOrigin):
		writeError(w, http.StatusBadRequest, err)
	default:
		getLogger(r).Error().Err(err).Msg("Store operation failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, statusCode int, err error) {
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set(rawheaders.ContentType, "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
