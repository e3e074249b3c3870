package kafka

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"caserun/internal/domain/execution"
)

const (
	messageTypeRun  = "run"
	messageTypeDone = "done"
)

type requestEnvelope struct {
	Type     string   `json:"type"`
	ID       string   `json:"id"`
	CaseID   int64    `json:"case_id"`
	Language string   `json:"language"`
	Source   string   `json:"source"`
	Args     []string `json:"args,omitempty"`
}

type reportEnvelope struct {
	ID         string                 `json:"id"`
	CaseID     int64                  `json:"case_id"`
	Language   string                 `json:"language"`
	Passed     bool                   `json:"passed"`
	ErrorKind  execution.Kind         `json:"error_kind,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Results    []vectorResultEnvelope `json:"results,omitempty"`
	DurationMs *int64                 `json:"duration_ms,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

type vectorResultEnvelope struct {
	Index      int              `json:"index"`
	Params     map[string]any   `json:"params,omitempty"`
	Expected   any              `json:"expected"`
	Output     string           `json:"output"`
	Passed     bool             `json:"passed"`
	Status     execution.Status `json:"status"`
	ExitCode   int64            `json:"exit_code"`
	TimedOut   bool             `json:"timed_out,omitempty"`
	DurationMs int64            `json:"duration_ms"`
	Stderr     string           `json:"stderr,omitempty"`
	Diagnostic string           `json:"diagnostic,omitempty"`
	Diff       string           `json:"diff,omitempty"`
}

const (
	headerRequestID = "request-id"
	headerCaseID    = "case-id"
	headerPassed    = "passed"
	headerErrorKind = "error-kind"
)

// decodeRequestMessage turns a message into a Request. A message that cannot
// be graded yields the identifying fields it has and an error matching
// execution.ErrInvalidRequest; a done message yields io.EOF.
func decodeRequestMessage(msg kafkago.Message) (execution.Request, error) {
	var envelope requestEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		req := execution.Request{ID: requestID("", msg)}
		return req, execution.Wrap(execution.KindInvalidRequest, "decode run message", err)
	}

	switch envelope.Type {
	case "", messageTypeRun:
		req := envelope.toRequest(msg)
		return req, envelope.validate()
	case messageTypeDone:
		return execution.Request{}, io.EOF
	default:
		return envelope.toRequest(msg), execution.Errorf(execution.KindInvalidRequest, "unknown message type %q", envelope.Type)
	}
}

func (e requestEnvelope) validate() error {
	if e.CaseID <= 0 {
		return execution.Errorf(execution.KindInvalidRequest, "run message missing case_id")
	}
	if strings.TrimSpace(e.Language) == "" {
		return execution.Errorf(execution.KindInvalidRequest, "run message missing language")
	}
	return nil
}

func (e requestEnvelope) toRequest(msg kafkago.Message) execution.Request {
	return execution.Request{
		ID:       requestID(e.ID, msg),
		CaseID:   e.CaseID,
		Language: execution.Language(strings.ToLower(strings.TrimSpace(e.Language))),
		Source:   e.Source,
		Args:     e.Args,
	}
}

// requestID prefers the envelope id, then the request-id header, then the
// message key, and finally the message position.
func requestID(id string, msg kafkago.Message) string {
	if id != "" {
		return id
	}
	for _, h := range msg.Headers {
		if h.Key == headerRequestID && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return fmt.Sprintf("%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
}

func reportHeaders(report execution.RunReport, envelope reportEnvelope) []kafkago.Header {
	headers := []kafkago.Header{
		{Key: headerRequestID, Value: []byte(report.Request.ID)},
		{Key: headerCaseID, Value: []byte(strconv.FormatInt(report.Request.CaseID, 10))},
		{Key: headerPassed, Value: []byte(strconv.FormatBool(envelope.Passed))},
	}
	if envelope.ErrorKind != "" {
		headers = append(headers, kafkago.Header{Key: headerErrorKind, Value: []byte(envelope.ErrorKind)})
	}
	return headers
}

func encodeRunReport(report execution.RunReport) (kafkago.Message, error) {
	envelope := makeReportEnvelope(report)
	payload, err := json.Marshal(envelope)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("marshal report: %w", err)
	}
	return kafkago.Message{
		Key:     []byte(report.Request.ID),
		Value:   payload,
		Headers: reportHeaders(report, envelope),
		Time:    envelope.Timestamp,
	}, nil
}

func makeReportEnvelope(report execution.RunReport) reportEnvelope {
	envelope := reportEnvelope{
		ID:        report.Request.ID,
		CaseID:    report.Request.CaseID,
		Language:  string(report.Request.Language),
		Timestamp: time.Now().UTC(),
	}

	if report.Err != nil {
		envelope.Error = report.Err.Error()
		envelope.ErrorKind = execution.KindOf(report.Err)
	}

	if report.Report != nil {
		envelope.Passed = report.Report.Passed
		dur := report.Report.Duration.Milliseconds()
		envelope.DurationMs = &dur

		if len(report.Report.Results) > 0 {
			envelope.Results = make([]vectorResultEnvelope, 0, len(report.Report.Results))
			for _, r := range report.Report.Results {
				envelope.Results = append(envelope.Results, vectorResultEnvelope{
					Index:      r.Index,
					Params:     r.Params,
					Expected:   r.Expected,
					Output:     r.Output,
					Passed:     r.Passed,
					Status:     r.Status,
					ExitCode:   r.ExitCode,
					TimedOut:   r.TimedOut,
					DurationMs: r.Duration.Milliseconds(),
					Stderr:     r.Stderr,
					Diagnostic: r.Diagnostic,
					Diff:       r.Diff,
				})
			}
		}
	}

	return envelope
}
