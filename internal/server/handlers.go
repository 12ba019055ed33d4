package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"scrapeqa/internal/logging"
	"scrapeqa/internal/pipeline"
	"scrapeqa/internal/store"
)

// QuestionField is the multipart field holding the question, as a file or a
// plain value.
const QuestionField = "question"

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "hello"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPI runs the full pipeline and replies with the answer document
// itself, or the failure document when the loops gave up.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.runPipeline(w, r, s.pipeline.Answer)
	if !ok {
		return
	}
	w.Header().Set("X-Run-ID", resp.RunID)
	w.Header().Set("X-Run-Status", resp.Status)
	body := resp.Answer
	if len(body) == 0 {
		body = pipeline.FailureAnswer(resp.LastCode)
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) handleDataScrape(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.runPipeline(w, r, s.pipeline.ScrapeOnly)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.runPipeline(w, r, s.pipeline.AnalyzeOnly)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type runFunc func(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)

// runPipeline parses the request, runs fn, and writes an error reply when fn
// could not produce a response. It reports whether the caller should write
// the response.
func (s *Server) runPipeline(w http.ResponseWriter, r *http.Request, fn runFunc) (*pipeline.Response, bool) {
	req, cleanup, err := parseRequest(r)
	defer cleanup()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	resp, err := fn(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrEmptyQuestion), errors.Is(err, pipeline.ErrNoDataset):
			writeError(w, http.StatusBadRequest, err.Error())
		case r.Context().Err() != nil:
			writeError(w, http.StatusServiceUnavailable, "request canceled")
		default:
			logging.FromContext(r.Context(), logging.CategoryServer).Error("Pipeline failed: %v", err)
			if resp != nil {
				writeJSON(w, http.StatusInternalServerError, resp)
			} else {
				writeError(w, http.StatusInternalServerError, err.Error())
			}
		}
		return nil, false
	}
	return resp, true
}

// parseRequest accepts either a multipart form (question file or field plus
// attachments) or a raw body holding the question text.
func parseRequest(r *http.Request) (pipeline.Request, func(), error) {
	var req pipeline.Request
	noop := func() {}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return req, noop, err
		}
		req.Question = string(body)
		return req, noop, nil
	}

	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return req, noop, fmt.Errorf("invalid multipart form: %w", err)
	}
	form := r.MultipartForm
	var files []multipart.File
	cleanup := func() {
		for _, f := range files {
			f.Close()
		}
		form.RemoveAll()
	}

	if vals := form.Value[QuestionField]; len(vals) > 0 {
		req.Question = vals[0]
	}
	fields := make([]string, 0, len(form.File))
	for field := range form.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		for _, fh := range form.File[field] {
			f, err := fh.Open()
			if err != nil {
				return req, cleanup, fmt.Errorf("failed to open upload %q: %w", fh.Filename, err)
			}
			files = append(files, f)
			if isQuestionFile(field, fh.Filename) && req.Question == "" {
				data, err := io.ReadAll(f)
				if err != nil {
					return req, cleanup, fmt.Errorf("failed to read question: %w", err)
				}
				req.Question = string(data)
				continue
			}
			req.Attachments = append(req.Attachments, pipeline.Attachment{Name: fh.Filename, Reader: f})
		}
	}
	return req, cleanup, nil
}

func isQuestionFile(field, filename string) bool {
	if field == QuestionField || field == "questions" {
		return true
	}
	name := strings.ToLower(filename)
	return name == "question.txt" || name == "questions.txt"
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	id := r.PathValue("id")
	run, err := s.history.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	attempts, err := s.history.GetAttempts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*store.Run
		AttemptLog []store.AttemptRecord `json:"attempt_log"`
	}{run, attempts})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
