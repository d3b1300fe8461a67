package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"sshdeck/internal/profile"

	"github.com/go-chi/chi/v5"
)

// maxBodySize bounds JSON request bodies; file writes are limited by the
// editor size limit well below this.
const maxBodySize = 16 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func idParam(r *http.Request) string {
	return chi.URLParam(r, "id")
}

type inputRequest struct {
	Data string `json:"data"`
}

type commandRequest struct {
	Command string `json:"command"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type pathRequest struct {
	Path  string `json:"path"`
	IsDir bool   `json:"isDir,omitempty"`
}

type writeRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type transferRequest struct {
	LocalPath  string `json:"localPath"`
	RemotePath string `json:"remotePath"`
}

type renameRequest struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(s.svc.Sessions().Sessions),
	})
}

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Profiles(r.Context()))
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	res := s.svc.Profile(r.Context(), idParam(r))
	if !res.Success {
		writeJSON(w, http.StatusNotFound, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) addProfile(w http.ResponseWriter, r *http.Request) {
	var p profile.Profile
	if !decode(w, r, &p) {
		return
	}
	res := s.svc.AddProfile(r.Context(), &p)
	if !res.Success {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var p profile.Profile
	if !decode(w, r, &p) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.UpdateProfile(r.Context(), idParam(r), &p))
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.DeleteProfile(r.Context(), idParam(r)))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Sessions())
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Connect(r.Context(), idParam(r)))
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Disconnect(idParam(r)))
}

func (s *Server) reconnect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ManualReconnect(idParam(r)))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"connected": s.svc.IsConnected(idParam(r))})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.History(idParam(r)))
}

func (s *Server) rawInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.RawInput(idParam(r), []byte(req.Data)))
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Enqueue(idParam(r), req.Command))
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.QueueStatus(idParam(r)))
}

func (s *Server) resize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Resize(idParam(r), req.Cols, req.Rows))
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = "."
	}
	writeJSON(w, http.StatusOK, s.svc.List(r.Context(), idParam(r), dir))
}

func (s *Server) readFile(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Read(r.Context(), idParam(r), p))
}

func (s *Server) writeFile(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Write(r.Context(), idParam(r), req.Path, req.Content))
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Upload(r.Context(), idParam(r), req.LocalPath, req.RemotePath))
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Download(r.Context(), idParam(r), req.RemotePath, req.LocalPath))
}

func (s *Server) uploadFolder(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.UploadFolder(r.Context(), idParam(r), req.LocalPath, req.RemotePath))
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Delete(r.Context(), idParam(r), req.Path, req.IsDir))
}

func (s *Server) mkdir(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Mkdir(r.Context(), idParam(r), req.Path))
}

func (s *Server) createFile(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.CreateFile(r.Context(), idParam(r), req.Path))
}

func (s *Server) rename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Rename(r.Context(), idParam(r), req.OldPath, req.NewPath))
}
