package ratelimit

import (
	"regexp"
	"strings"

	"github.com/ppiankov/osqgate/internal/model"
)

var (
	estJoin    = regexp.MustCompile(`\bjoin\b`)
	estGroupBy = regexp.MustCompile(`\bgroup\s+by\b`)
	estOrderBy = regexp.MustCompile(`\border\s+by\b`)
	estWhere   = regexp.MustCompile(`\bwhere\b`)
	estBoolOp  = regexp.MustCompile(`\b(and|or)\b`)
)

// EstimateComplexity weighs a tool call for complexity budgets.
// Every call costs 1. An "sql" parameter adds 5 for any JOIN, 3 for GROUP BY,
// 2 for ORDER BY, 2 for "*", 2 per WHERE and 1 per AND/OR. A numeric "limit"
// parameter adds max(1, limit/10).
func EstimateComplexity(params map[string]any) int {
	score := 1
	if sql, ok := params["sql"].(string); ok {
		s := strings.ToLower(sql)
		if estJoin.MatchString(s) {
			score += 5
		}
		if estGroupBy.MatchString(s) {
			score += 3
		}
		if estOrderBy.MatchString(s) {
			score += 2
		}
		if strings.Contains(s, "*") {
			score += 2
		}
		score += 2 * len(estWhere.FindAllStringIndex(s, -1))
		score += len(estBoolOp.FindAllStringIndex(s, -1))
	}
	if limit, ok := model.ToInt(params["limit"]); ok {
		score += max(1, limit/10)
	}
	return score
}
