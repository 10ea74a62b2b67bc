package devbackend

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"modelq/internal/logging"
)

type downloadRequest struct {
	URL     string `json:"url"`
	Path    string `json:"path"`
	ModelID string `json:"model_id"`
	Source  string `json:"source"`
	Name    string `json:"name"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	source := strings.ToLower(chi.URLParam(r, "source"))
	if source != sourceCivitai && source != sourceHuggingFace {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.TrimSpace(req.ModelID)
	}
	task := s.addTask(name, source, req.URL, req.Path)
	writeJSON(w, http.StatusOK, map[string]string{"taskId": task.ID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	s.mu.Lock()
	_, ok := s.removeTaskLocked(id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.logger.Info("task cancelled", logging.Args(logging.TaskID(id))...)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Download cancelled"})
}

func (s *Server) handleDiskUsage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.DiskUsage())
}

func (s *Server) handleCivitaiModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	matches := filterCivitai(q.Get("query"), q.Get("tag"))
	limit := positiveInt(q.Get("limit"), 20)
	page := positiveInt(q.Get("page"), 1)

	start := min((page-1)*limit, len(matches))
	end := min(start+limit, len(matches))
	totalPages := (len(matches) + limit - 1) / limit
	metadata := map[string]any{
		"totalItems":  len(matches),
		"currentPage": page,
		"pageSize":    limit,
		"totalPages":  totalPages,
	}
	if page < totalPages {
		next := *r.URL
		values := next.Query()
		values.Set("page", strconv.Itoa(page+1))
		next.RawQuery = values.Encode()
		metadata["nextPage"] = next.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    matches[start:end],
		"metadata": metadata,
	})
}

func (s *Server) handleCivitaiModel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "modelID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid model id")
		return
	}
	for _, model := range civitaiFixtures {
		if model.ID == id {
			writeJSON(w, http.StatusOK, model)
			return
		}
	}
	writeError(w, http.StatusNotFound, "model not found")
}

func (s *Server) handleHuggingFaceModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	search := strings.ToLower(strings.TrimSpace(q.Get("search")))
	limit := positiveInt(q.Get("limit"), len(huggingFaceFixtures))
	out := make([]huggingFaceNode, 0, min(limit, len(huggingFaceFixtures)))
	for _, id := range huggingFaceFixtures {
		if search != "" && !strings.Contains(strings.ToLower(id), search) {
			continue
		}
		out = append(out, huggingFaceNode{ID: id, Name: id, Children: []huggingFaceNode{}})
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func positiveInt(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
