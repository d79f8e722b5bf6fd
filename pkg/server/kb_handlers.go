package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

const maxUploadBytes = 64 << 20

type kbRequest struct {
	KBVectorDBID string `json:"kb_vectordb_id"`
}

type chromaRequest struct {
	DBName    string `json:"db_name"`
	Text      string `json:"text"`
	Overwrite bool   `json:"overwrite"`
}

type kbResponse struct {
	Answer  string `json:"answer"`
	Indexed int    `json:"indexed,omitempty"`
	Skipped int    `json:"skipped,omitempty"`
	Count   int    `json:"count,omitempty"`
	Success bool   `json:"success"`
}

func (s *Server) handleAddToVectorDB(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request: "+err.Error())
		return
	}

	kbID := r.FormValue("kb_vectordb_id")
	if kbID == "" {
		kbID = r.FormValue("kb_id")
	}
	if kbID == "" {
		writeError(w, http.StatusBadRequest, "kb_vectordb_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
		return
	}

	filename := r.FormValue("filename")
	if filename == "" {
		filename = header.Filename
	}

	if formBool(r, "overwrite") {
		if err := s.kb.Drop(kbID); err != nil {
			writeFailure(w, err)
			return
		}
	}

	maxChunkSize, _ := strconv.Atoi(r.FormValue("max_chunk_size"))
	result, err := s.kb.AddDocument(r.Context(), kbID, filename, data, formBool(r, "skip_splitting"), maxChunkSize)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, kbResponse{
		Answer:  "Document indexed",
		Indexed: result.Indexed,
		Skipped: result.Skipped,
		Success: true,
	})
}

func (s *Server) handleResetVectorDB(w http.ResponseWriter, r *http.Request) {
	var req kbRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.KBVectorDBID == "" {
		writeError(w, http.StatusBadRequest, "kb_vectordb_id is required")
		return
	}

	count, err := s.kb.Reset(req.KBVectorDBID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kbResponse{Answer: "Documents marked for purge", Count: count, Success: true})
}

func (s *Server) handlePurgeVectorDB(w http.ResponseWriter, r *http.Request) {
	var req kbRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.KBVectorDBID == "" {
		writeError(w, http.StatusBadRequest, "kb_vectordb_id is required")
		return
	}

	count, err := s.kb.Purge(r.Context(), req.KBVectorDBID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kbResponse{Answer: "Marked documents purged", Count: count, Success: true})
}

func (s *Server) handleChroma(w http.ResponseWriter, r *http.Request) {
	var req chromaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.DBName == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "db_name and text are required")
		return
	}

	if req.Overwrite {
		if err := s.kb.Drop(req.DBName); err != nil {
			writeFailure(w, err)
			return
		}
	}

	result, err := s.kb.AddText(r.Context(), req.DBName, req.Text, false, 0)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kbResponse{
		Answer:  "Text indexed",
		Indexed: result.Indexed,
		Skipped: result.Skipped,
		Success: true,
	})
}

func formBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.FormValue(name))
	return err == nil && v
}
