package analysis

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
)

type wireOutput struct {
	TestRuns []wireTestRun `json:"testruns"`
}

type wireTestRun struct {
	Data            map[string]map[string]any `json:"data"`
	Metadata        map[string]any            `json:"metadata"`
	Settings        map[string]any            `json:"settings"`
	DefaultSettings map[string]any            `json:"default_settings"`
}

// Decode reads the tool's JSON report. Parameter values spelled "inf",
// "-inf" or "nan" become the matching float.
func Decode(r io.Reader) (TestRun, error) {
	var out wireOutput
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return TestRun{}, fmt.Errorf("decode analysis output: %w", err)
	}
	if len(out.TestRuns) != 1 {
		return TestRun{}, &RunCountError{Got: len(out.TestRuns)}
	}
	tr := out.TestRuns[0]
	run := TestRun{
		Columns:         tr.Data,
		Metadata:        tr.Metadata,
		Settings:        decodeParams(tr.Settings),
		DefaultSettings: decodeParams(tr.DefaultSettings),
	}
	if run.Columns == nil {
		run.Columns = map[string]map[string]any{}
	}
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}
	return run, nil
}

func decodeParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = decodeSpecialFloat(v)
	}
	return out
}

func decodeSpecialFloat(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inf", "+inf", "infinity", "+infinity":
		return math.Inf(1)
	case "-inf", "-infinity":
		return math.Inf(-1)
	case "nan":
		return math.NaN()
	}
	return v
}
