// Package query validates candidate read statements before they reach the
// store: read-only enforcement, limit policy, and a complexity heuristic
// that feeds the rate limiter.
package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrNotRead is returned when the statement does not begin with SELECT.
	ErrNotRead = errors.New("statement is not a read")
	// ErrForbiddenKeyword is returned when a mutating or administrative
	// keyword appears anywhere in the statement.
	ErrForbiddenKeyword = errors.New("forbidden keyword")
	// ErrInjectionPattern is returned when the statement matches one of the
	// defensive injection heuristics. Parameterization is the primary
	// defense; these patterns are rejected anyway.
	ErrInjectionPattern = errors.New("suspicious statement pattern")
)

// ComplexityCap bounds the heuristic score.
const ComplexityCap = 10.0

var (
	forbiddenRe = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|create|alter|attach|pragma)\b`)

	separatorRe = regexp.MustCompile(`;\s*\S`)
	unionSelRe  = regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`)

	joinRe      = regexp.MustCompile(`(?i)\bjoin\b`)
	unionRe     = regexp.MustCompile(`(?i)\bunion\b`)
	groupRe     = regexp.MustCompile(`(?i)\bgroup\s+by\b`)
	orderRe     = regexp.MustCompile(`(?i)\border\s+by\b`)
	distinctRe  = regexp.MustCompile(`(?i)\bdistinct\b`)
	subqueryRe  = regexp.MustCompile(`(?i)\(\s*select\b`)
	wildcardRe  = regexp.MustCompile(`(?i)\blike\s+'%`)
	limitRe     = regexp.MustCompile(`(?i)\blimit\b`)
	aggregateRe = regexp.MustCompile(`(?i)\b(count|sum|avg|min|max)\s*\(`)
)

// GuardConfig tunes the limit policy.
type GuardConfig struct {
	// DefaultLimit applies when the caller supplies none. Zero means 100.
	DefaultLimit int
	// MaxLimit is the absolute row cap any caller can request. Zero means 1000.
	MaxLimit int
}

// Guard validates statements for the query surface.
type Guard struct {
	cfg GuardConfig
}

// NewGuard creates a guard with the given limit policy.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 100
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	return &Guard{cfg: cfg}
}

// Validated is a statement cleared for execution, with its bound arguments
// and the hints derived from the complexity score.
type Validated struct {
	SQL  string
	Args []any

	Complexity float64
	// Cost is the token price the rate limiter charges for this query.
	Cost float64

	RowCap    int
	Timeout   time.Duration
	Cacheable bool
}

// Validate checks the statement and, when it passes, normalizes its limit
// clause. limit <= 0 means the caller supplied none.
func (g *Guard) Validate(sqlText string, limit int) (Validated, error) {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return Validated{}, fmt.Errorf("%w: empty statement", ErrNotRead)
	}
	if !strings.HasPrefix(strings.ToLower(trimmed), "select") {
		return Validated{}, fmt.Errorf("%w: statement must begin with SELECT", ErrNotRead)
	}
	if m := forbiddenRe.FindString(trimmed); m != "" {
		return Validated{}, fmt.Errorf("%w: %s", ErrForbiddenKeyword, strings.ToUpper(m))
	}
	if err := checkInjectionPatterns(trimmed); err != nil {
		return Validated{}, err
	}

	score := Complexity(trimmed)

	v := Validated{
		SQL:        strings.TrimSuffix(trimmed, ";"),
		Complexity: score,
		Cost:       score,
	}
	if !limitRe.MatchString(trimmed) {
		// Appended as a bound parameter, never concatenated.
		v.SQL += " LIMIT ?"
		v.Args = append(v.Args, g.clampLimit(limit))
	}

	v.RowCap, v.Timeout, v.Cacheable = hints(score)
	return v, nil
}

func (g *Guard) clampLimit(limit int) int {
	if limit <= 0 {
		limit = g.cfg.DefaultLimit
	}
	if limit > g.cfg.MaxLimit {
		limit = g.cfg.MaxLimit
	}
	return limit
}

func checkInjectionPatterns(stmt string) error {
	if separatorRe.MatchString(stmt) {
		return fmt.Errorf("%w: statement separator", ErrInjectionPattern)
	}
	if unionSelRe.MatchString(stmt) {
		return fmt.Errorf("%w: UNION SELECT", ErrInjectionPattern)
	}
	if strings.Contains(stmt, "--") || strings.Contains(stmt, "/*") {
		return fmt.Errorf("%w: comment marker", ErrInjectionPattern)
	}
	return nil
}

// Complexity estimates how expensive the statement is to execute, from one
// point base up to ComplexityCap.
func Complexity(stmt string) float64 {
	score := 1.0
	score += float64(len(joinRe.FindAllString(stmt, -1)))
	score += 2 * float64(len(unionRe.FindAllString(stmt, -1)))
	if groupRe.MatchString(stmt) {
		score++
	}
	if orderRe.MatchString(stmt) || distinctRe.MatchString(stmt) {
		score += 0.5
	}
	score += 2 * float64(len(subqueryRe.FindAllString(stmt, -1)))
	if wildcardRe.MatchString(stmt) {
		score++
	}
	if !limitRe.MatchString(stmt) {
		score += 2
	}
	score += 0.5 * float64(len(aggregateRe.FindAllString(stmt, -1)))

	if score > ComplexityCap {
		score = ComplexityCap
	}
	return score
}

// hints derives execution bounds from the score: cheap queries get large
// row caps and are cacheable, expensive ones get tight caps and more time.
func hints(score float64) (rowCap int, timeout time.Duration, cacheable bool) {
	switch {
	case score <= 3:
		return 1000, 5 * time.Second, true
	case score <= 6:
		return 500, 10 * time.Second, true
	default:
		return 100, 30 * time.Second, false
	}
}
