package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"

	"caserun/internal/domain/execution"
)

// ExitPolicy decides how a non-zero exit status combines with the output comparison.
type ExitPolicy string

const (
	// ExitIgnore grades on output alone; the exit status is only recorded.
	ExitIgnore ExitPolicy = "ignore"
	// ExitRequireZero fails a vector whose process exited non-zero even if the output matched.
	ExitRequireZero ExitPolicy = "require-zero"
)

// ParseExitPolicy validates a configured policy name. Empty means ExitIgnore.
func ParseExitPolicy(value string) (ExitPolicy, error) {
	switch ExitPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", ExitIgnore:
		return ExitIgnore, nil
	case ExitRequireZero:
		return ExitRequireZero, nil
	default:
		return "", fmt.Errorf("unknown exit policy %q", value)
	}
}

// Comparator grades one outcome against a vector's expected value.
type Comparator struct {
	Exit ExitPolicy
}

type verdict struct {
	status     execution.Status
	observed   string
	diagnostic string
	diff       string
}

// Observed returns the value used for comparison: stdout, or stdout followed by
// stderr when combined is set, trimmed of surrounding whitespace.
func Observed(out *execution.Outcome, combined bool) string {
	text := string(out.Stdout)
	if combined {
		text += string(out.Stderr)
	}
	return strings.TrimSpace(text)
}

func (c Comparator) grade(expected any, out *execution.Outcome, combined bool) verdict {
	v := verdict{observed: Observed(out, combined)}

	switch {
	case out.TimedOut:
		v.status = execution.StatusTimedOut
		v.diagnostic = "timed out: deadline exceeded, process killed"
		return v
	case out.OOMKilled:
		v.status = execution.StatusMemoryLimit
		v.diagnostic = "memory limit exceeded, process killed"
		return v
	}

	match, reason := Match(expected, v.observed)
	if !match {
		v.status = execution.StatusWrongAnswer
		v.diagnostic = reason
		v.diff = unifiedDiff(renderExpected(expected), v.observed)
		if out.ExitCode != 0 {
			v.diagnostic = joinDiagnostics(v.diagnostic, fmt.Sprintf("process exited with status %d", out.ExitCode))
		}
		return v
	}

	if out.ExitCode != 0 && c.Exit == ExitRequireZero {
		v.status = execution.StatusRuntimeError
		v.diagnostic = fmt.Sprintf("process exited with status %d", out.ExitCode)
		return v
	}

	v.status = execution.StatusPassed
	return v
}

// Match compares observed output with expected.
//
// A string expectation needs an exact match after trimming. Any other
// expectation is compared by value with observed parsed as a single YAML
// document, which also accepts JSON and Python style literals such as [1, 2]
// or {'a': True}. Integers compare exactly; empty output never matches a
// structured value.
func Match(expected any, observed string) (bool, string) {
	if s, ok := expected.(string); ok {
		if strings.TrimSpace(s) == observed {
			return true, ""
		}
		return false, "output does not match expected text"
	}

	if observed == "" {
		return false, "no output"
	}
	parsed, err := parseValue(observed)
	if err != nil {
		return false, fmt.Sprintf("output is not a structured value: %v", err)
	}

	if reflect.DeepEqual(normalize(expected), normalize(parsed)) {
		return true, ""
	}
	return false, "output value does not match expected value"
}

// parseValue decodes exactly one YAML document without comments.
func parseValue(text string) (any, error) {
	dec := yaml.NewDecoder(strings.NewReader(text))

	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if hasComment(&doc) {
		return nil, errors.New("unexpected comment")
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected content after value")
	}

	var v any
	if err := doc.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func hasComment(n *yaml.Node) bool {
	if n.HeadComment != "" || n.LineComment != "" || n.FootComment != "" {
		return true
	}
	for _, child := range n.Content {
		if hasComment(child) {
			return true
		}
	}
	return false
}

// maxExactFloat is the largest magnitude below which every integer is a float64.
const maxExactFloat = 1 << 53

// normalize maps integers to int64 (uint64 above MaxInt64), integral floats
// within 2^53 to int64, other floats to float64 and map keys to strings, so
// values decoded from JSON and YAML compare equal without losing precision.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return normalizeUint(uint64(t))
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return normalizeUint(t)
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
			return u
		}
		if f, err := t.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func normalizeUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) <= maxExactFloat {
		return int64(f)
	}
	return f
}

func renderExpected(expected any) string {
	if s, ok := expected.(string); ok {
		return strings.TrimSpace(s)
	}
	data, err := json.Marshal(expected)
	if err != nil {
		return fmt.Sprint(expected)
	}
	return string(data)
}

func unifiedDiff(expected, observed string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected + "\n"),
		B:        difflib.SplitLines(observed + "\n"),
		FromFile: "expected",
		ToFile:   "observed",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

func joinDiagnostics(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "; ")
}
