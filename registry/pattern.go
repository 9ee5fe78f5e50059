package registry

import (
	"fmt"
	"regexp"
	"strings"

	cucumberexpressions "github.com/cucumber/cucumber-expressions/go/v16"
)

// parameterTypes holds the built-in parameter types: {int}, {float}, {word}, {string},
// {bigdecimal}, {biginteger}, {byte}, {short}, {long}, {double} and the anonymous {}.
var parameterTypes = cucumberexpressions.NewParameterTypeRegistry()

// Pattern matches step text. It is either a regular expression or a Cucumber Expression such
// as "I add {int} and {int}". Expressions support optional text, "I have {int} cucumber(s)",
// and alternation, "I eat/drink {word}".
type Pattern struct {
	source string
	regex  bool
	re     *regexp.Regexp
	expr   cucumberexpressions.Expression
}

// NewPattern builds a pattern from a string expression or a *regexp.Regexp.
func NewPattern(p any) (*Pattern, error) {
	switch v := p.(type) {
	case *regexp.Regexp:
		if v == nil {
			return nil, fmt.Errorf("nil regular expression")
		}
		return &Pattern{source: v.String(), regex: true, re: v}, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("empty step expression")
		}
		expr, err := cucumberexpressions.NewCucumberExpression(v, parameterTypes)
		if err != nil {
			return nil, fmt.Errorf("expression %q: %w", v, err)
		}
		return &Pattern{source: v, expr: expr}, nil
	case *Pattern:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported pattern type %T", p)
	}
}

// Match returns the captured arguments if the text matches. Arguments are kept as text;
// {string} arguments lose their quotes.
func (p *Pattern) Match(text string) ([]string, bool) {
	if p.regex {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			return nil, false
		}
		return append([]string{}, m[1:]...), true
	}

	matched, err := p.expr.Match(text)
	if err != nil || matched == nil {
		return nil, false
	}
	args := make([]string, 0, len(matched))
	for _, arg := range matched {
		if arg.ParameterType().Name() == "string" {
			if v, ok := arg.GetValue().(string); ok {
				args = append(args, v)
				continue
			}
		}
		var value string
		if v := arg.Group().Value(); v != nil {
			value = *v
		}
		args = append(args, value)
	}
	return args, true
}

// IsRegex reports whether the pattern was given as a regular expression.
func (p *Pattern) IsRegex() bool { return p.regex }

// Source returns the pattern as written.
func (p *Pattern) Source() string { return p.source }

// String returns the pattern's identity: regular expressions are wrapped in slashes so they
// never collide with an expression of the same text.
func (p *Pattern) String() string {
	if p == nil {
		return ""
	}
	if p.regex {
		return "/" + p.source + "/"
	}
	return p.source
}
