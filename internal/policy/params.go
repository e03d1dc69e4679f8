package policy

import (
	"fmt"
	"sort"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/ppiankov/osqgate/internal/model"
)

// checkParams runs libinjection over every string parameter of a predefined
// tool. Non-string values cannot carry SQL and are skipped. Parameters are
// visited in sorted order so results are deterministic.
func checkParams(subject, tool, role string, params map[string]any) []model.Violation {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var out []model.Violation
	for _, name := range names {
		for _, s := range stringValues(params[name]) {
			isSQLi, fingerprint := libinjection.IsSQLi(s)
			if !isSQLi {
				continue
			}
			out = append(out, model.Violation{
				Kind:     model.SQLInjection,
				Severity: model.SevCritical,
				Message:  fmt.Sprintf("parameter %q looks like SQL injection (fingerprint %s)", name, fingerprint),
				Context: model.ViolationContext{
					Subject:  subject,
					Tool:     tool,
					Role:     role,
					Pattern:  "libinjection:" + string(fingerprint),
					Fragment: s,
				},
				Remediation: "pass plain values; tool parameters are never interpreted as SQL",
			})
			break
		}
	}
	return out
}

func stringValues(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
