package export

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Handler serves signed downloads of written export files.
type Handler struct {
	service *Service
}

// NewHTTPHandler returns a router serving GET /{reportID}/{name}.
func NewHTTPHandler(service *Service) http.Handler {
	h := &Handler{service: service}
	r := chi.NewRouter()
	r.Get("/{reportID}/{name}", h.handleDownload)
	return r
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	reportID, err := uuid.Parse(chi.URLParam(r, "reportID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid report identifier: %v", err), http.StatusBadRequest)
		return
	}
	name := filepath.Base(strings.TrimSpace(chi.URLParam(r, "name")))
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if err := h.service.ValidateDownloadToken(reportID, name, token); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	file, err := h.service.OpenFile(reportID, name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	contentType := "text/csv"
	if strings.HasSuffix(name, ".xlsx") {
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", name))
	http.ServeContent(w, r, name, info.ModTime(), file)
}
