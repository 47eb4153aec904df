// Package analysis adapts the external log analysis tool. The tool reads one
// bundle of solver log files and reports a metric table per instance, the
// run-level metadata and the effective and default parameter tables.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Input lists the files handed to the analysis tool. Out is required.
type Input struct {
	Out     string
	Err     string
	Set     string
	Meta    string
	Solu    string
	Readers string
}

func (in Input) Validate() error {
	if in.Out == "" {
		return errors.New("analysis input requires an .out file")
	}
	return nil
}

type Parser interface {
	Parse(ctx context.Context, in Input) (TestRun, error)
}

// TestRun is the parsed form of one bundle. Columns maps a metric name to
// its value per instance key.
type TestRun struct {
	Columns         map[string]map[string]any
	Metadata        map[string]any
	Settings        map[string]any
	DefaultSettings map[string]any
}

// Instances returns the instance keys present in any column, ordered
// numerically when the keys are ordinals.
func (r TestRun) Instances() []string {
	seen := map[string]struct{}{}
	for _, col := range r.Columns {
		for key := range col {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA == nil && errB == nil {
			return a < b
		}
		if (errA == nil) != (errB == nil) {
			return errA == nil
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Column returns the values of one metric keyed by instance.
func (r TestRun) Column(name string) (map[string]any, bool) {
	col, ok := r.Columns[name]
	return col, ok
}

// RunCountError is returned when a bundle does not describe exactly one run.
type RunCountError struct {
	Got int
}

func (e *RunCountError) Error() string {
	return fmt.Sprintf("Unexpected number of testruns. Expected 1, got: %d", e.Got)
}
