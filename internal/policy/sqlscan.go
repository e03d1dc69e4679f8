package policy

import (
	"regexp"
	"strconv"
	"strings"
)

// Inspection here is regex-based and heuristic. Obfuscated input (encoded
// keywords, exotic whitespace) can slip through; callers should treat a clean
// scan as "no known-bad shape", not as proof of safety.

// injectionFamily is one class of SQL injection shape.
type injectionFamily struct {
	name string
	re   *regexp.Regexp
}

// Patterns run against normalized (lowercased, trimmed) text.
var injectionFamilies = []injectionFamily{
	{"boolean_tautology", regexp.MustCompile(`['"];?\s*(or|and)\s*['"]?\w+['"]?\s*[=<>]`)},
	{"union_select", regexp.MustCompile(`union\s+(all\s+)?select`)},
	{"stacked_statement", regexp.MustCompile(`;\s*(drop|delete|insert|update|create|alter)`)},
	{"destructive_verb", regexp.MustCompile(`^\s*(drop|delete|insert|update|create|alter)\s+`)},
	{"comment_marker", regexp.MustCompile(`(/\*|\*/|--|#)`)},
	{"time_delay", regexp.MustCompile(`(benchmark|sleep|waitfor|delay)\s*\(`)},
	{"file_primitive", regexp.MustCompile(`(load_file|into\s+outfile|into\s+dumpfile)`)},
	{"stored_procedure", regexp.MustCompile(`\b(exec|execute|sp_\w+|xp_\w+)\b`)},
	{"sensitive_path", regexp.MustCompile(`\bpath\s*=\s*['"][^'"]*/(etc|usr|var|home)\b`)},
}

// largeTables produce unbounded result sets when read without LIMIT.
var largeTables = map[string]bool{
	"processes":            true,
	"file":                 true,
	"hash":                 true,
	"process_open_sockets": true,
	"listening_ports":      true,
}

var (
	tableRe      = regexp.MustCompile(`\b(?:from|join)\s+([a-z_][a-z0-9_]*)`)
	limitRe      = regexp.MustCompile(`\blimit\s+(\d+)(?:\s*,\s*(\d+))?`)
	joinRe       = regexp.MustCompile(`\bjoin\b`)
	groupByRe    = regexp.MustCompile(`\bgroup\s+by\b`)
	orderByRe    = regexp.MustCompile(`\border\s+by\b`)
	whereRe      = regexp.MustCompile(`\bwhere\b`)
	boolOpRe     = regexp.MustCompile(`\b(and|or)\b`)
	selectStarRe = regexp.MustCompile(`\bselect\s+\*`)
)

// normalize lowercases and trims a query for pattern matching.
func normalize(sql string) string {
	return strings.ToLower(strings.TrimSpace(sql))
}

// injectionMatch is a single family hit with the offending fragment.
type injectionMatch struct {
	Family   string
	Fragment string
}

// scanInjection returns one match per injection family found in normalized text.
func scanInjection(normalized string) []injectionMatch {
	var out []injectionMatch
	for _, f := range injectionFamilies {
		if frag := f.re.FindString(normalized); frag != "" {
			out = append(out, injectionMatch{Family: f.name, Fragment: strings.TrimSpace(frag)})
		}
	}
	return out
}

// ExtractTables returns the distinct table names following FROM or JOIN,
// lowercased, in order of appearance.
func ExtractTables(sql string) []string {
	seen := make(map[string]bool)
	var tables []string
	for _, m := range tableRe.FindAllStringSubmatch(normalize(sql), -1) {
		t := m[1]
		if !seen[t] {
			seen[t] = true
			tables = append(tables, t)
		}
	}
	return tables
}

// Complexity scores a query:
// 1 + 5 per JOIN + 3 per GROUP BY + 2 per ORDER BY + 2 per WHERE
// + 1 per AND/OR + 5 for SELECT *.
// Adding a JOIN never lowers the score.
func Complexity(sql string) int {
	s := normalize(sql)
	score := 1
	score += 5 * len(joinRe.FindAllStringIndex(s, -1))
	score += 3 * len(groupByRe.FindAllStringIndex(s, -1))
	score += 2 * len(orderByRe.FindAllStringIndex(s, -1))
	score += 2 * len(whereRe.FindAllStringIndex(s, -1))
	score += len(boolOpRe.FindAllStringIndex(s, -1))
	if selectStarRe.MatchString(s) {
		score += 5
	}
	return score
}

// DeclaredLimit returns the row count of the first LIMIT clause and whether
// one was present. In the SQLite form "LIMIT offset, count" the count is used.
func DeclaredLimit(sql string) (int, bool) {
	m := limitRe.FindStringSubmatch(normalize(sql))
	if m == nil {
		return 0, false
	}
	count := m[1]
	if m[2] != "" {
		count = m[2]
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		// overflow: treat as unbounded
		return int(^uint(0) >> 1), true
	}
	return n, true
}

// IsLargeTable reports whether reading the table without LIMIT is an exfiltration risk.
func IsLargeTable(table string) bool {
	return largeTables[strings.ToLower(table)]
}
