// Copyright 2026 Flowmatic Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"strconv"
	"strings"
	"unicode"
)

// EvaluateCondition expands ${path} references in the expression and
// evaluates the result to a boolean. An empty expression is true. The
// language is comparisons (== != < <= > >=) over numeric, string and
// boolean operands, combined with &&, || and parentheses.
func EvaluateCondition(expr string, context map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	expanded := templatePattern.ReplaceAllStringFunc(expr, func(token string) string {
		value, ok := ResolvePath(context, token[2:len(token)-1])
		if !ok || value == nil {
			return ""
		}
		return stringify(value)
	})

	tokens, err := tokenizeCondition(expanded)
	if err != nil {
		return false, &InvalidConditionError{Expr: expr, Reason: err.Error()}
	}

	p := &conditionParser{tokens: tokens}
	result, err := p.parseOr()
	if err != nil {
		return false, &InvalidConditionError{Expr: expr, Reason: err.Error()}
	}
	if !p.done() {
		return false, &InvalidConditionError{Expr: expr, Reason: "unexpected trailing input"}
	}
	return result, nil
}

type condToken struct {
	kind  string // "op", "lparen", "rparen", "and", "or", "value"
	text  string
	isStr bool // quoted string literal
}

func tokenizeCondition(s string) ([]condToken, error) {
	var tokens []condToken
	runes := []rune(s)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			tokens = append(tokens, condToken{kind: "lparen"})
			i++
		case c == ')':
			tokens = append(tokens, condToken{kind: "rparen"})
			i++
		case c == '&':
			if i+1 >= len(runes) || runes[i+1] != '&' {
				return nil, errSyntax("expected &&")
			}
			tokens = append(tokens, condToken{kind: "and"})
			i += 2
		case c == '|':
			if i+1 >= len(runes) || runes[i+1] != '|' {
				return nil, errSyntax("expected ||")
			}
			tokens = append(tokens, condToken{kind: "or"})
			i += 2
		case c == '=', c == '!':
			if i+1 >= len(runes) || runes[i+1] != '=' {
				return nil, errSyntax("expected == or !=")
			}
			tokens = append(tokens, condToken{kind: "op", text: string(c) + "="})
			i += 2
		case c == '<', c == '>':
			op := string(c)
			i++
			if i < len(runes) && runes[i] == '=' {
				op += "="
				i++
			}
			tokens = append(tokens, condToken{kind: "op", text: op})
		case c == '"', c == '\'':
			quote := c
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				j++
			}
			if j >= len(runes) {
				return nil, errSyntax("unterminated string literal")
			}
			tokens = append(tokens, condToken{kind: "value", text: string(runes[i+1 : j]), isStr: true})
			i = j + 1
		default:
			j := i
			for j < len(runes) && !isCondDelimiter(runes[j]) {
				j++
			}
			tokens = append(tokens, condToken{kind: "value", text: string(runes[i:j])})
			i = j
		}
	}
	return tokens, nil
}

func isCondDelimiter(c rune) bool {
	return unicode.IsSpace(c) || strings.ContainsRune(`()&|=!<>"'`, c)
}

type condSyntaxError string

func (e condSyntaxError) Error() string { return string(e) }

func errSyntax(msg string) error { return condSyntaxError(msg) }

// conditionParser is a recursive-descent parser over the token stream.
// Precedence: || < && < comparison.
type conditionParser struct {
	tokens []condToken
	pos    int
}

func (p *conditionParser) done() bool {
	return p.pos >= len(p.tokens)
}

func (p *conditionParser) peek() (condToken, bool) {
	if p.done() {
		return condToken{}, false
	}
	return p.tokens[p.pos], true
}

func (p *conditionParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != "or" {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
}

func (p *conditionParser) parseAnd() (bool, error) {
	left, err := p.parseComparison()
	if err != nil {
		return false, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != "and" {
			return left, nil
		}
		p.pos++
		right, err := p.parseComparison()
		if err != nil {
			return false, err
		}
		left = left && right
	}
}

func (p *conditionParser) parseComparison() (bool, error) {
	tok, ok := p.peek()
	if !ok {
		return false, errSyntax("unexpected end of expression")
	}

	if tok.kind == "lparen" {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return false, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != "rparen" {
			return false, errSyntax("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return false, err
	}

	opTok, ok := p.peek()
	if !ok || opTok.kind != "op" {
		// A lone operand must be a boolean literal.
		if !left.isStr {
			if b, err := strconv.ParseBool(left.text); err == nil {
				return b, nil
			}
		}
		return false, errSyntax("operand without comparison is not a boolean")
	}
	p.pos++

	right, err := p.parseOperand()
	if err != nil {
		return false, err
	}

	return compareOperands(left, opTok.text, right)
}

func (p *conditionParser) parseOperand() (condToken, error) {
	tok, ok := p.peek()
	if !ok || tok.kind != "value" {
		return condToken{}, errSyntax("expected operand")
	}
	p.pos++
	return tok, nil
}

func compareOperands(left condToken, op string, right condToken) (bool, error) {
	// Numbers compare numerically when both sides parse; everything else
	// compares as strings.
	if !left.isStr && !right.isStr {
		lf, lerr := strconv.ParseFloat(left.text, 64)
		rf, rerr := strconv.ParseFloat(right.text, 64)
		if lerr == nil && rerr == nil {
			return compareFloats(lf, op, rf), nil
		}
	}

	switch op {
	case "==":
		return left.text == right.text, nil
	case "!=":
		return left.text != right.text, nil
	case "<":
		return left.text < right.text, nil
	case "<=":
		return left.text <= right.text, nil
	case ">":
		return left.text > right.text, nil
	case ">=":
		return left.text >= right.text, nil
	}
	return false, errSyntax("unknown operator " + op)
}

func compareFloats(left float64, op string, right float64) bool {
	switch op {
	case "==":
		return left == right
	case "!=":
		return left != right
	case "<":
		return left < right
	case "<=":
		return left <= right
	case ">":
		return left > right
	case ">=":
		return left >= right
	}
	return false
}
