// Package transfer moves setup files between peers: an HTTP server
// exposing the local catalog for download, and a fetcher that pulls
// remote items through the scan gate before they reach the share root.
package transfer

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/setupshare/setupshare/internal/catalog"
	"github.com/setupshare/setupshare/internal/scan"
)

var log = logging.Logger("transfer")

// Status describes the running node for the status endpoint.
type Status struct {
	Address      string `json:"address"`
	Mode         string `json:"mode"`
	Categories   int    `json:"categories"`
	Items        int    `json:"items"`
	ScanDegraded bool   `json:"scan_degraded"`
}

// Handler serves the peer-facing transfer endpoints.
type Handler struct {
	catalog *catalog.Service
	gate    *scan.Gate
	mode    string
	address string
}

// NewHandler creates a transfer handler over the local catalog.
func NewHandler(svc *catalog.Service, gate *scan.Gate, mode, address string) *Handler {
	return &Handler{
		catalog: svc,
		gate:    gate,
		mode:    mode,
		address: address,
	}
}

// RegisterRoutes registers the transfer routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/list", h.handleList)
	mux.HandleFunc("/download/", h.handleDownload)
	mux.HandleFunc("/status", h.handleStatus)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.catalog.ListLocal())
}

// handleDownload serves GET /download/{category}/{item}. Anything the
// catalog does not resolve, including traversal attempts, is a 404.
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/download/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	category, item := parts[0], parts[1]

	path, err := h.catalog.ResolveItem(category, item)
	if err != nil {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}

	log.Debugf("serving %s/%s to %s", category, item, r.RemoteAddr)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	if _, err := io.Copy(w, f); err != nil {
		log.Debugf("download of %s/%s aborted: %v", category, item, err)
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	listing := h.catalog.ListLocal()
	items := 0
	for _, l := range listing {
		items += len(l)
	}
	writeJSON(w, http.StatusOK, Status{
		Address:      h.address,
		Mode:         h.mode,
		Categories:   len(listing),
		Items:        items,
		ScanDegraded: h.gate.Degraded(),
	})
}

// NewServer wraps the handler in an HTTP server with request timeouts.
func NewServer(listen string, h *Handler) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
		},
	})
}
