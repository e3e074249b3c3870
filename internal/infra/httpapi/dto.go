package httpapi

import (
	"strings"

	"caserun/internal/domain/execution"
)

type runRequest struct {
	CaseID     int64    `json:"caseId"`
	Language   string   `json:"language"`
	Lang       string   `json:"lang"`
	SourceCode string   `json:"sourceCode"`
	Code       string   `json:"code"`
	Args       []string `json:"args"`
}

func (r runRequest) language() execution.Language {
	lang := r.Language
	if lang == "" {
		lang = r.Lang
	}
	return execution.Language(strings.ToLower(strings.TrimSpace(lang)))
}

func (r runRequest) source() string {
	if r.SourceCode != "" {
		return r.SourceCode
	}
	return r.Code
}

type runResponse struct {
	CaseID     int64            `json:"caseId"`
	Language   string           `json:"language"`
	Passed     bool             `json:"passed"`
	DurationMs int64            `json:"durationMs"`
	Results    []resultResponse `json:"results"`
}

type resultResponse struct {
	Index      int              `json:"index"`
	Params     map[string]any   `json:"params"`
	Expected   any              `json:"expected"`
	Output     string           `json:"output"`
	Passed     bool             `json:"passed"`
	Status     execution.Status `json:"status"`
	ExitCode   int64            `json:"exitCode"`
	TimedOut   bool             `json:"timedOut"`
	Stderr     string           `json:"stderr,omitempty"`
	Diagnostic string           `json:"diagnostic,omitempty"`
	Diff       string           `json:"diff,omitempty"`
}

func newRunResponse(report execution.Report) runResponse {
	resp := runResponse{
		CaseID:     report.CaseID,
		Language:   string(report.Language),
		Passed:     report.Passed,
		DurationMs: report.Duration.Milliseconds(),
		Results:    make([]resultResponse, 0, len(report.Results)),
	}
	for _, r := range report.Results {
		resp.Results = append(resp.Results, resultResponse{
			Index:      r.Index,
			Params:     r.Params,
			Expected:   r.Expected,
			Output:     r.Output,
			Passed:     r.Passed,
			Status:     r.Status,
			ExitCode:   r.ExitCode,
			TimedOut:   r.TimedOut,
			Stderr:     r.Stderr,
			Diagnostic: r.Diagnostic,
			Diff:       r.Diff,
		})
	}
	return resp
}

type caseSummary struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Difficulty  string `json:"difficulty,omitempty"`
}

type caseListResponse struct {
	Cases []caseSummary `json:"cases"`
	Meta  pageMeta      `json:"meta"`
}

type pageMeta struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

type languageResponse struct {
	Language         string `json:"language"`
	Image            string `json:"image"`
	Compiled         bool   `json:"compiled"`
	TimeLimitMs      int64  `json:"timeLimitMs"`
	MemoryLimitBytes int64  `json:"memoryLimitBytes,omitempty"`
}
