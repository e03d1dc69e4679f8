package policydiff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders the diff result as human-readable text.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Policy diff: %s → %s\n\nNo changes detected.\n", r.OldPath, r.NewPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Policy diff: %s → %s\n", r.OldPath, r.NewPath)

	assignments := filterChanges(r.Changes, "assignments.")
	settings := excludeChanges(r.Changes, "assignments.")

	if len(settings) > 0 {
		b.WriteString("\n")
		for _, c := range settings {
			switch {
			case c.Comment == "added" && c.Old == "":
				fmt.Fprintf(&b, "  %s: + %s\n", c.Field, c.New)
			case c.Comment == "removed" && c.New == "":
				fmt.Fprintf(&b, "  %s: - %s\n", c.Field, c.Old)
			default:
				fmt.Fprintf(&b, "  %-48s %s → %s", c.Field+":", c.Old, c.New)
				if c.Comment != "" {
					fmt.Fprintf(&b, "  (%s)", c.Comment)
				}
				b.WriteString("\n")
			}
		}
	}

	if len(r.ScopeChanges) > 0 {
		field := ""
		for _, sc := range r.ScopeChanges {
			if sc.Field != field {
				field = sc.Field
				fmt.Fprintf(&b, "\n  %s:\n", field)
			}
			sign := "+"
			if sc.Type == "removed" {
				sign = "-"
			}
			fmt.Fprintf(&b, "    %s %s", sign, sc.Value)
			if sc.Comment != "" {
				fmt.Fprintf(&b, "  (%s)", sc.Comment)
			}
			b.WriteString("\n")
		}
	}

	if len(assignments) > 0 {
		b.WriteString("\n  Assignments:\n")
		for _, c := range assignments {
			subject := strings.TrimPrefix(c.Field, "assignments.")
			switch c.Comment {
			case "added":
				fmt.Fprintf(&b, "    + %s: %s\n", subject, c.New)
			case "removed":
				fmt.Fprintf(&b, "    - %s: %s\n", subject, c.Old)
			default:
				fmt.Fprintf(&b, "    ~ %s: %s → %s\n", subject, c.Old, c.New)
			}
		}
	}

	return b.String()
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}

func filterChanges(changes []Change, prefix string) []Change {
	var out []Change
	for _, c := range changes {
		if strings.HasPrefix(c.Field, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func excludeChanges(changes []Change, prefix string) []Change {
	var out []Change
	for _, c := range changes {
		if !strings.HasPrefix(c.Field, prefix) {
			out = append(out, c)
		}
	}
	return out
}
