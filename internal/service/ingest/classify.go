package ingest

import (
	"math"

	"github.com/animus-labs/rubberband/internal/domain"
)

// DetermineType classifies an instance by its presolved variable and
// constraint counts. It returns "" when the original problem had no
// variables, which means parsing went wrong.
func DetermineType(m map[string]any) string {
	if number(m, "OriginalProblem_Vars") == 0 {
		return ""
	}
	binary := number(m, "PresolvedProblem_BinVars")
	integer := number(m, "PresolvedProblem_IntVars")
	continuous := number(m, "PresolvedProblem_ContVars")
	implicit := number(m, "PresolvedProblem_ImplVars")
	cons := number(m, "PresolvedProblem_InitialNCons")
	linear := sum(m, "Constraints_Number_linear", "Constraints_Number_logicor",
		"Constraints_Number_knapsack", "Constraints_Number_setppc", "Constraints_Number_varbound")
	quadratic := sum(m, "Constraints_Number_quadratic", "Constraints_Number_soc")
	nonlinear := sum(m, "Constraints_Number_nonlinear", "Constraints_Number_abspower", "Constraints_Number_bivariate")
	noInts := binary == 0 && integer == 0

	switch {
	case linear < cons:
		switch {
		case linear+quadratic == cons:
			if noInts {
				return domain.TypeQCP
			}
			return domain.TypeMIQCP
		case linear+quadratic+nonlinear == cons:
			if noInts {
				return domain.TypeNLP
			}
			return domain.TypeMINLP
		default:
			return domain.TypeCIP
		}
	case noInts:
		return domain.TypeLP
	case continuous == 0:
		if integer == 0 && implicit == 0 {
			return domain.TypeBP
		}
		return domain.TypeIP
	case integer == 0:
		return domain.TypeMBP
	default:
		return domain.TypeMIP
	}
}

var iterationKeys = []string{"LP_Iterations_barrierLP", "LP_Iterations_dualLP", "LP_Iterations_primalLP"}

// TotalIterations sums the LP iteration counters. It returns nil when any
// of them is absent.
func TotalIterations(m map[string]any) any {
	total := 0.0
	for _, key := range iterationKeys {
		v, ok := toNumber(m[key])
		if !ok {
			return nil
		}
		total += v
	}
	return total
}

func sum(m map[string]any, keys ...string) float64 {
	total := 0.0
	for _, k := range keys {
		total += number(m, k)
	}
	return total
}

// number reads a count, treating absent or null values as zero.
func number(m map[string]any, key string) float64 {
	v, ok := toNumber(m[key])
	if !ok {
		return 0
	}
	return v
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
