package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"slideview/internal/cache"
	"slideview/internal/deepzoom"
	"slideview/internal/index"
	"slideview/internal/renderer"
	"slideview/internal/slide"
)

type Handlers struct {
	logger   *zap.Logger
	index    *index.Index
	renderer *renderer.Renderer
	cache    *cache.Cache
}

func New(logger *zap.Logger, ix *index.Index, r *renderer.Renderer, c *cache.Cache) *Handlers {
	return &Handlers{
		logger:   logger,
		index:    ix,
		renderer: r,
		cache:    c,
	}
}

// Register installs all routes on the mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/tree", h.HandleTree)
	mux.HandleFunc("/api/dir", h.HandleDir)
	mux.HandleFunc("/api/thumb/", h.HandleThumb)
	mux.HandleFunc("/api/meta/", h.HandleMeta)
	mux.HandleFunc("/api/associated/", h.HandleAssociated)
	mux.HandleFunc("/dzi/", h.HandleDeepZoom)
	mux.HandleFunc("/healthz", h.HandleHealthz)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

// HandleTree serves the per-root directory trees. Each root is cached
// independently under the tree TTL; a root that fails to index degrades
// to an empty placeholder instead of failing the whole response.
func (h *Handlers) HandleTree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	trees := make([]json.RawMessage, 0, len(h.index.Roots()))
	for _, root := range h.index.Roots() {
		key := cache.TreeKey(root.Path)
		data, err := h.cache.GetOrCompute(r.Context(), key, func(ctx context.Context) ([]byte, error) {
			node, err := h.index.Tree(root)
			if err != nil {
				return nil, err
			}
			return json.Marshal(node)
		})
		if err != nil {
			h.logger.Warn("tree build failed", zap.String("root", root.Path), zap.Error(err))
			data, _ = json.Marshal(placeholderNode(root))
		}
		trees = append(trees, data)
	}

	writeJSON(w, trees)
}

func placeholderNode(root index.Root) *index.Node {
	name := root.Label
	if name == "" {
		name = filepath.Base(root.Path)
	}
	return &index.Node{
		ID:       index.StableID(root.Path),
		Name:     name,
		Path:     root.Path,
		IsDir:    true,
		Children: []*index.Node{},
	}
}

// HandleDir lists the slide files in one directory. Delegated straight
// to the index, no caching.
func (h *Handlers) HandleDir(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "Missing path parameter", http.StatusBadRequest)
		return
	}
	entries, err := h.index.Dir(path)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, entries)
}

func (h *Handlers) HandleThumb(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	slideID := strings.TrimPrefix(r.URL.Path, "/api/thumb/")
	if slideID == "" || strings.Contains(slideID, "/") {
		http.Error(w, "Invalid slide id", http.StatusBadRequest)
		return
	}

	result, err := h.renderer.Thumbnail(r.Context(), slideID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeImage(w, r, result)
}

func (h *Handlers) HandleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	slideID := strings.TrimPrefix(r.URL.Path, "/api/meta/")
	if slideID == "" || strings.Contains(slideID, "/") {
		http.Error(w, "Invalid slide id", http.StatusBadRequest)
		return
	}

	md, err := h.renderer.Metadata(r.Context(), slideID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, md)
}

// HandleAssociated serves /api/associated/{id} (name list) and
// /api/associated/{id}/{name} (JPEG bytes).
func (h *Handlers) HandleAssociated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/associated/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		http.Error(w, "Invalid slide id", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		names, err := h.renderer.AssociatedNames(r.Context(), parts[0])
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, names)
		return
	}

	data, err := h.renderer.Associated(r.Context(), parts[0], parts[1])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(data)
}

// HandleDeepZoom serves the descriptor (/dzi/{id}.dzi) and the tiles
// (/dzi/{id}_files/{level}/{col}_{row}.jpeg).
func (h *Handlers) HandleDeepZoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/dzi/")

	if slideID, ok := strings.CutSuffix(rest, ".dzi"); ok && !strings.Contains(slideID, "/") {
		xml, err := h.renderer.Descriptor(r.Context(), slideID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, xml)
		return
	}

	slideID, level, col, row, ok := parseTilePath(rest)
	if !ok {
		http.Error(w, "Invalid tile path", http.StatusBadRequest)
		return
	}

	result, err := h.renderer.Tile(r.Context(), slideID, level, col, row)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeImage(w, r, result)
}

// parseTilePath splits "{id}_files/{level}/{col}_{row}.jpeg".
func parseTilePath(rest string) (slideID string, level, col, row int, ok bool) {
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", 0, 0, 0, false
	}
	slideID, ok = strings.CutSuffix(parts[0], "_files")
	if !ok || slideID == "" {
		return "", 0, 0, 0, false
	}
	level, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, 0, 0, false
	}
	name, ok := strings.CutSuffix(parts[2], "."+renderer.TileFormat)
	if !ok {
		return "", 0, 0, 0, false
	}
	colStr, rowStr, ok := strings.Cut(name, "_")
	if !ok {
		return "", 0, 0, 0, false
	}
	col, err = strconv.Atoi(colStr)
	if err != nil {
		return "", 0, 0, 0, false
	}
	row, err = strconv.Atoi(rowStr)
	if err != nil {
		return "", 0, 0, 0, false
	}
	return slideID, level, col, row, true
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy", "service": "slideview"})
}

// writeError maps core error kinds to responses. A failed tile never
// degrades to blank bytes; the client sees the failure kind.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, index.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, deepzoom.ErrOutOfRange):
		http.Error(w, "Tile address out of range", http.StatusNotFound)
	case errors.Is(err, slide.ErrTimeout):
		h.logger.Error("request timed out", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Timed out", http.StatusGatewayTimeout)
	case errors.Is(err, slide.ErrUnreadable):
		h.logger.Error("slide unreadable", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Failed to read slide", http.StatusInternalServerError)
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeImage serves encoded image bytes with ETag revalidation.
func writeImage(w http.ResponseWriter, r *http.Request, result *renderer.Result) {
	w.Header().Set("ETag", `"`+result.ETag+`"`)
	if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, result.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.Write(result.Data)
}
