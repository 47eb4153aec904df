package ingest

import (
	"encoding/json"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/rubberband/internal/domain"
)

// runColumnKeys maps run fields to the instance column whose most frequent
// value they take.
var runColumnKeys = []struct {
	column string
	set    func(*domain.Run, string)
}{
	{"Solver", func(r *domain.Run, v string) { r.Solver = v }},
	{"Version", func(r *domain.Run, v string) { r.SolverVersion = v }},
	{"TimeLimit", func(r *domain.Run, v string) { r.TimeLimit = v }},
	{"LPSolver", func(r *domain.Run, v string) { r.LPSolver = v }},
	{"LPSolverVersion", func(r *domain.Run, v string) { r.LPSolverVersion = v }},
	{"SpxGitHash", func(r *domain.Run, v string) { r.LPSolverGitHash = v }},
	{"mode", func(r *domain.Run, v string) { r.Mode = v }},
	{"GitHash", func(r *domain.Run, v string) { r.GitHash = v }},
}

// metadataKeys maps collapsed run metadata to run fields.
var metadataKeys = []struct {
	key string
	set func(*domain.Run, string)
}{
	{"TstName", func(r *domain.Run, v string) { r.TestSet = v }},
	{"Settings", func(r *domain.Run, v string) { r.SettingsShortName = v }},
	{"Seed", func(r *domain.Run, v string) { r.Seed = v }},
	{"Permutation", func(r *domain.Run, v string) { r.Permutation = v }},
	{"Queue", func(r *domain.Run, v string) { r.RunEnvironment = v }},
	{"OptFlag", func(r *domain.Run, v string) { r.OptFlag = v }},
	{"OperatingSystem", func(r *domain.Run, v string) { r.OS = v }},
	{"TimeFactor", func(r *domain.Run, v string) { r.TimeFactor = v }},
}

var datetimeKeys = []string{"Datetime_Start", "Datetime_End"}

// MostFrequentValue returns the most common value of col over instances,
// ignoring nulls and "nan". Ties go to the value seen first. The result is
// nil when no usable value exists.
func MostFrequentValue(col map[string]any, instances []string) any {
	counts := map[any]int{}
	var order []any
	for _, inst := range instances {
		v, ok := col[inst]
		if !ok || isBlank(v) {
			continue
		}
		key, ok := mapKey(v)
		if !ok {
			continue
		}
		if _, seen := counts[key]; !seen {
			order = append(order, key)
		}
		counts[key]++
	}
	var best any
	bestCount := 0
	for _, v := range order {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return best
}

// DropDifferent keeps the metadata keys whose instance column holds at most
// one distinct non-empty value. Keys without a column are kept.
func DropDifferent(metadata map[string]any, columns map[string]map[string]any) domain.Metadata {
	keep := domain.Metadata{}
	for key, value := range metadata {
		col, ok := columns[key]
		if !ok {
			keep[key] = value
			continue
		}
		var first any
		different := false
		for _, v := range col {
			if v == nil || v == "" {
				continue
			}
			k, ok := mapKey(v)
			if !ok {
				continue
			}
			if first == nil {
				first = k
			} else if first != k {
				different = true
				break
			}
		}
		if !different {
			keep[key] = value
		}
	}
	return keep
}

// NormalizeMetricKey makes a metric name safe as a document field.
func NormalizeMetricKey(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

// FormatEpoch renders epoch seconds as a DateTimeLayout string in UTC.
func FormatEpoch(v any) (string, bool) {
	var secs int64
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return "", false
		}
		secs = int64(n)
	case int:
		secs = int64(n)
	case int64:
		secs = n
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return "", false
		}
		secs = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return "", false
		}
		secs = i
	default:
		return "", false
	}
	return time.Unix(secs, 0).UTC().Format(domain.DateTimeLayout), true
}

// FilenameInfo recovers run fields from a primary file named
// os.arch.x.optflag.y.env.settings.out style. It returns false unless the
// name has exactly eight dot-separated parts.
func FilenameInfo(primary string, run *domain.Run) bool {
	name := strings.ReplaceAll(filepath.Base(primary), ".zib.de", "")
	parts := strings.Split(name, ".")
	if len(parts) != 8 {
		return false
	}
	n := len(parts)
	run.TestSet = parts[1]
	run.SettingsShortName = parts[n-2]
	run.RunEnvironment = parts[n-3]
	run.OptFlag = parts[n-5]
	run.Architecture = parts[n-7]
	run.OS = parts[n-8]
	return true
}

// sanitizeValue replaces values that cannot be stored as JSON with nil.
func sanitizeValue(v any) any {
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil
	}
	return v
}

// sanitizeParams keeps +Inf on masked keys and drops other non-finite values.
func sanitizeParams(params map[string]any) domain.Metadata {
	out := make(domain.Metadata, len(params))
	for k, v := range params {
		if f, ok := v.(float64); ok && math.IsInf(f, 1) && isInfinityKey(k) {
			out[k] = v
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func isInfinityKey(key string) bool {
	for _, k := range domain.InfinityKeys {
		if k == key {
			return true
		}
	}
	return false
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == "nan" || t == ""
	case float64:
		return math.IsNaN(t)
	}
	return false
}

// mapKey returns v in a form usable as a map key.
func mapKey(v any) (any, bool) {
	switch t := v.(type) {
	case string, float64, bool, int, int64:
		return t, true
	case json.Number:
		return t.String(), true
	}
	return nil, false
}

// stringify renders a scalar run field the way it reads in the logs.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
