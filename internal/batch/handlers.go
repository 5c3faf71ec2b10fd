package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zombor/bookscan/internal/ledger"
	"github.com/zombor/bookscan/internal/pipeline"
	"github.com/zombor/bookscan/internal/scanning"
)

const ndjsonContentType = "application/x-ndjson"

type errorResponse struct {
	Error string        `json:"error"`
	Kind  scanning.Kind `json:"kind,omitempty"`
}

// streamEvent is one line of an NDJSON upload response
type streamEvent struct {
	Type     string             `json:"type"` // progress, batch or error
	Progress *pipeline.Progress `json:"progress,omitempty"`
	Batch    *Batch             `json:"batch,omitempty"`
	Error    *errorResponse     `json:"error,omitempty"`
}

type uploadRequest struct {
	Client    string `json:"client"`
	BookType  string `json:"bookType"`
	AutoGuess *bool  `json:"autoGuess"`
	Filename  string `json:"filename"`
	MIMEType  string `json:"mimeType"`
	Data      string `json:"data"`
}

type ruleRequest struct {
	Description string `json:"description"`
	Kamoku      string `json:"kamoku"`
	SubKamoku   string `json:"subKamoku"`
}

type duplicatesRequest struct {
	Transactions []scanning.Transaction `json:"transactions"`
}

type duplicatesResponse struct {
	Groups       []ledger.DuplicateGroup `json:"groups"`
	DuplicateIDs []string                `json:"duplicateIds"`
}

// errorStatus maps a service error to an HTTP status
func errorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, scanning.ErrUnreadableDocument):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	}

	switch scanning.KindOf(err) {
	case scanning.KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case scanning.KindRateLimited:
		return http.StatusTooManyRequests
	case scanning.KindNetworkError:
		return http.StatusGatewayTimeout
	case scanning.KindInvalidResponse:
		return http.StatusUnprocessableEntity
	case scanning.KindInvalidCredential, scanning.KindAPIError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func newErrorResponse(err error) (int, *errorResponse) {
	code := errorStatus(err)
	resp := &errorResponse{Error: err.Error(), Kind: scanning.KindOf(err)}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		resp.Kind = scanning.KindFileTooLarge
		resp.Error = "File is too large. Please compress or split the document."
	}
	if code == http.StatusInternalServerError {
		resp.Error = "Internal server error"
	}
	return code, resp
}

// writeError writes a JSON error response with CORS headers set
func writeError(w http.ResponseWriter, err error) {
	code, resp := newErrorResponse(err)
	if code >= http.StatusInternalServerError {
		slog.Error("Request failed", "status", code, "error", err)
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleListBatches returns all batches
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.service.ListBatches()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

// handleUploadDocument scans an uploaded document into a new batch.
// Clients that accept NDJSON receive progress events while pages are
// analyzed, followed by the batch or the error.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.bodyLimit())

	up, err := s.readUpload(r)
	if err != nil {
		slog.Warn("Rejected upload", "error", err)
		writeError(w, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), ndjsonContentType) {
		s.streamUpload(w, r, up)
		return
	}

	b, err := s.service.ProcessDocument(r.Context(), up, nil)
	if err != nil {
		slog.Error("Error processing document", "filename", up.Filename, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) streamUpload(w http.ResponseWriter, r *http.Request, up Upload) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	send := func(ev streamEvent) {
		if err := enc.Encode(ev); err != nil {
			slog.Debug("Progress stream write failed", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	b, err := s.service.ProcessDocument(r.Context(), up, func(p pipeline.Progress) {
		send(streamEvent{Type: "progress", Progress: &p})
	})
	if err != nil {
		slog.Error("Error processing document", "filename", up.Filename, "error", err)
		_, resp := newErrorResponse(err)
		send(streamEvent{Type: "error", Error: resp})
		return
	}
	send(streamEvent{Type: "batch", Batch: b})
}

// readUpload accepts either a multipart form or a JSON body with base64 data
func (s *Server) readUpload(r *http.Request) (Upload, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return s.readMultipartUpload(r)
	}

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Upload{}, err
		}
		return Upload{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	data, prefixType, err := scanning.DecodeDocument(req.Data)
	if err != nil {
		return Upload{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	contentType := req.MIMEType
	if contentType == "" {
		contentType = prefixType
	}

	return Upload{
		ClientID:    req.Client,
		Filename:    req.Filename,
		ContentType: detectContentType(contentType, req.Filename, data),
		Data:        data,
		BookType:    req.BookType,
		AutoGuess:   req.AutoGuess,
	}, nil
}

func (s *Server) readMultipartUpload(r *http.Request) (Upload, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Upload{}, err
		}
		return Upload{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return Upload{}, fmt.Errorf("%w: no file was selected, please choose a file to upload", ErrInvalidInput)
		}
		return Upload{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Upload{}, err
	}

	up := Upload{
		ClientID:    r.FormValue("client"),
		Filename:    header.Filename,
		ContentType: detectContentType(header.Header.Get("Content-Type"), header.Filename, data),
		Data:        data,
		BookType:    r.FormValue("bookType"),
	}
	if v := r.FormValue("autoGuess"); v != "" {
		guess, err := strconv.ParseBool(v)
		if err != nil {
			return Upload{}, fmt.Errorf("%w: autoGuess must be true or false", ErrInvalidInput)
		}
		up.AutoGuess = &guess
	}
	return up, nil
}

// detectContentType falls back to the extension and then the content itself
func detectContentType(declared, filename string, data []byte) string {
	ct := scanning.NormalizeMIMEType(declared)
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return scanning.NormalizeMIMEType(http.DetectContentType(data))
}

// handleGetBatch returns a single batch
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.service.GetBatch(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleGetBatchFile returns the original document of a batch
func (s *Server) handleGetBatchFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetBatchFile(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteBatch deletes a batch and its file
func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteBatch(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateTransaction applies a user correction to one transaction
func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var edit Edit
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		return
	}

	b, err := s.service.UpdateTransaction(r.PathValue("id"), r.PathValue("txID"), edit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleListRules returns a client's learning rules
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.service.ListRules(r.PathValue("client"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// handlePutRule creates or replaces a learning rule
func (s *Server) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		return
	}

	rule := ledger.LearningRule{Kamoku: req.Kamoku, SubKamoku: req.SubKamoku}
	if err := s.service.PutRule(r.PathValue("client"), req.Description, rule); err != nil {
		writeError(w, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteRule removes a learning rule
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteRule(r.PathValue("client"), r.PathValue("description")); err != nil {
		writeError(w, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleFindDuplicates annotates a posted transaction list without storing it
func (s *Server) handleFindDuplicates(w http.ResponseWriter, r *http.Request) {
	var req duplicatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		return
	}

	groups := ledger.FindDuplicates(req.Transactions)
	ids := make([]string, 0)
	for id := range ledger.DuplicateIDs(groups) {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	writeJSON(w, http.StatusOK, duplicatesResponse{Groups: groups, DuplicateIDs: ids})
}
