// Package tagexpr evaluates boolean tag expressions such as "@smoke and not (@slow or @wip)"
// against a scenario's tag set. Parsing is done by the cucumber tag-expressions library;
// this package adds the empty expression, which matches every tag set.
package tagexpr

import (
	"fmt"
	"strings"

	tagexpressions "github.com/cucumber/tag-expressions/go/v6"
)

// Expr is a parsed tag expression.
type Expr interface {
	// Evaluate reports whether the expression holds for the given tags.
	Evaluate(tags []string) bool
	String() string
}

type expr struct {
	eval tagexpressions.Evaluatable
}

func (e expr) Evaluate(tags []string) bool { return e.eval.Evaluate(tags) }

func (e expr) String() string { return e.eval.ToString() }

type trueExpr struct{}

func (trueExpr) Evaluate([]string) bool { return true }
func (trueExpr) String() string         { return "true" }

// Always is the expression that matches every tag set.
var Always Expr = trueExpr{}

// Parse parses an expression. Precedence, highest first: not, and, or. A backslash escapes
// whitespace, parentheses and itself inside a tag.
func Parse(input string) (e Expr, err error) {
	if strings.TrimSpace(input) == "" {
		return Always, nil
	}
	defer func() {
		if r := recover(); r != nil {
			e, err = nil, fmt.Errorf("tag expression %q could not be parsed: %v", input, r)
		}
	}()
	eval, err := tagexpressions.Parse(input)
	if err != nil {
		return nil, err
	}
	// Evaluate once so a truncated expression fails here rather than mid-run.
	eval.Evaluate(nil)
	return expr{eval: eval}, nil
}

// MustParse is like Parse but panics on error. Intended for expressions in source code.
func MustParse(input string) Expr {
	e, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return e
}

// Match parses and evaluates an expression in one call.
func Match(input string, tags []string) (bool, error) {
	e, err := Parse(input)
	if err != nil {
		return false, err
	}
	return e.Evaluate(tags), nil
}
