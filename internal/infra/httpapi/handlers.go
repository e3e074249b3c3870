package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"caserun/internal/domain/execution"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer r.Body.Close()

	return json.NewDecoder(r.Body).Decode(v)
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	switch execution.KindOf(err) {
	case execution.KindCaseNotFound:
		return http.StatusNotFound
	case execution.KindUnsupportedLanguage:
		return http.StatusUnprocessableEntity
	case execution.KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("grading failed")
		if execution.IsEnvironment(err) {
			msg = "execution environment unavailable"
		} else {
			msg = "internal error"
		}
	}
	writeError(w, status, msg)
}

func caseIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("case id must be a positive integer")
	}
	return id, nil
}

// --- Grading handlers ---

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if err := s.decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.CaseID <= 0 {
		writeError(w, http.StatusBadRequest, "caseId must be a positive integer")
		return
	}
	s.grade(w, r, body.CaseID, body)
}

func (s *Server) handleCaseRun(w http.ResponseWriter, r *http.Request) {
	id, err := caseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body runRequest
	if err := s.decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	s.grade(w, r, id, body)
}

func (s *Server) grade(w http.ResponseWriter, r *http.Request, caseID int64, body runRequest) {
	if body.language() == "" {
		writeError(w, http.StatusBadRequest, "language is required")
		return
	}

	req := execution.Request{
		CaseID:   caseID,
		Language: body.language(),
		Source:   body.source(),
		Args:     body.Args,
	}
	if id, ok := hlog.IDFromRequest(r); ok {
		req.ID = id.String()
	}

	report, err := s.grader.Run(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(report))
}

// --- Case handlers ---

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, limit = execution.NormalizePage(page, limit)

	cases, total, err := s.cases.ListCases(r.Context(), page, limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	resp := caseListResponse{
		Cases: make([]caseSummary, 0, len(cases)),
		Meta:  pageMeta{Total: total, Page: page, Limit: limit},
	}
	for _, c := range cases {
		resp.Cases = append(resp.Cases, caseSummary{
			ID:          c.ID,
			Title:       c.Title,
			Description: c.Description,
			Difficulty:  c.Difficulty,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id, err := caseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := s.cases.GetCase(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Preview())
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	profiles := s.languages.Profiles()
	resp := make([]languageResponse, 0, len(profiles))
	for _, p := range profiles {
		limits := s.languages.Limits(p)
		resp = append(resp, languageResponse{
			Language:         string(p.Language),
			Image:            p.Image,
			Compiled:         p.Build != nil,
			TimeLimitMs:      limits.TimeLimit.Milliseconds(),
			MemoryLimitBytes: limits.MemoryLimitBytes,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "container engine unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
