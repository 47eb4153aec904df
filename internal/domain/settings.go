package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

type SettingsKind string

const (
	SettingsEffective SettingsKind = "effective"
	SettingsDefault   SettingsKind = "default"
)

// Settings is a flat parameter snapshot of a run. Params are held unmasked
// in memory; stores apply MaskParams on write and UnmaskParams on read.
type Settings struct {
	ID     string
	RunID  string
	Kind   SettingsKind
	Params Metadata
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("settings id is required")
	}
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("run id is required")
	}
	if s.Kind != SettingsEffective && s.Kind != SettingsDefault {
		return fmt.Errorf("invalid settings kind %q", s.Kind)
	}
	return nil
}

// InfinityKeys are parameters whose unbounded value is stored as InfinityMask.
// Their meaningful values are non-negative, so the mask is unambiguous.
var InfinityKeys = []string{
	"separating/flowcover/maxslackroot",
	"separating/flowcover/maxslack",
	"heuristics/undercover/maxcoversizeconss",
}

const (
	InfinityMask = -1

	// LocalRowsKey is stored inverted as 0 (true) or 1 (false).
	LocalRowsKey = "conflict/uselocalrows"
)

func isInfinityKey(key string) bool {
	for _, k := range InfinityKeys {
		if k == key {
			return true
		}
	}
	return false
}

// MaskParams returns a copy of params that can be encoded as JSON.
func MaskParams(params Metadata) Metadata {
	out := params.Clone()
	for _, key := range InfinityKeys {
		v, ok := out[key]
		if !ok {
			continue
		}
		if f, ok := toFloat(v); ok && math.IsInf(f, 1) {
			out[key] = InfinityMask
		}
	}
	if v, ok := out[LocalRowsKey]; ok {
		if b, isBool := v.(bool); isBool && b {
			out[LocalRowsKey] = 0
		} else {
			out[LocalRowsKey] = 1
		}
	}
	return out
}

// UnmaskParams reverses MaskParams.
func UnmaskParams(params Metadata) Metadata {
	out := params.Clone()
	for _, key := range InfinityKeys {
		v, ok := out[key]
		if !ok {
			continue
		}
		if f, ok := toFloat(v); ok && f == InfinityMask {
			out[key] = math.Inf(1)
		}
	}
	if v, ok := out[LocalRowsKey]; ok {
		f, isNum := toFloat(v)
		out[LocalRowsKey] = isNum && f == 0
	}
	return out
}

// SettingPair is one parameter of a run with its default value.
type SettingPair struct {
	Name    string `json:"name"`
	Setting any    `json:"setting"`
	Default any    `json:"default"`
}

// PairSettings joins a run's effective and default parameters by name,
// sorted by name. A parameter missing on one side pairs with nil.
func PairSettings(settings, defaults Metadata) []SettingPair {
	names := make(map[string]struct{}, len(settings)+len(defaults))
	for k := range settings {
		names[k] = struct{}{}
	}
	for k := range defaults {
		names[k] = struct{}{}
	}
	out := make([]SettingPair, 0, len(names))
	for name := range names {
		out = append(out, SettingPair{Name: name, Setting: settings[name], Default: defaults[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
