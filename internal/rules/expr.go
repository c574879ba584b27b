package rules

import (
	"fmt"
	"strings"
	"unicode"
)

// Op identifies the kind of an expression node.
type Op int

const (
	OpLeaf Op = iota
	OpAnd
	OpOr
	OpNot
)

// Expr is a parsed boolean expression. Leaves carry a raw token such as
// "has_url" or "title_regex:^\[ad\]"; inner nodes combine their children.
type Expr struct {
	Op       Op
	Token    string
	Children []*Expr

	// set by Compile
	pred    Predicate
	leafErr error
}

func leaf(token string) *Expr {
	return &Expr{Op: OpLeaf, Token: token}
}

// join builds an n-ary AND/OR node, absorbing children of the same op so
// that printing and re-parsing yields an identical tree.
func join(op Op, left, right *Expr) *Expr {
	node := &Expr{Op: op}
	for _, child := range []*Expr{left, right} {
		if child.Op == op {
			node.Children = append(node.Children, child.Children...)
		} else {
			node.Children = append(node.Children, child)
		}
	}
	return node
}

// Leaves calls fn for every leaf in left-to-right order.
func (e *Expr) Leaves(fn func(*Expr)) {
	if e.Op == OpLeaf {
		fn(e)
		return
	}
	for _, child := range e.Children {
		child.Leaves(fn)
	}
}

// Eval evaluates the tree with leaf deciding each token.
func (e *Expr) Eval(leaf func(*Expr) bool) bool {
	switch e.Op {
	case OpLeaf:
		return leaf(e)
	case OpNot:
		return !e.Children[0].Eval(leaf)
	case OpAnd:
		for _, child := range e.Children {
			if !child.Eval(leaf) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range e.Children {
			if child.Eval(leaf) {
				return true
			}
		}
		return false
	}
	panic(fmt.Sprintf("rules: unknown op %d", e.Op))
}

// String renders the expression in a form that ParseExpr maps back to the
// same tree.
func (e *Expr) String() string {
	var b strings.Builder
	e.write(&b)
	return b.String()
}

func (e *Expr) write(b *strings.Builder) {
	switch e.Op {
	case OpLeaf:
		b.WriteString(quoteToken(e.Token))
	case OpNot:
		b.WriteString("NOT ")
		writeChild(b, e.Children[0], e.Children[0].Op == OpAnd || e.Children[0].Op == OpOr)
	case OpAnd:
		for i, child := range e.Children {
			if i > 0 {
				b.WriteString(" AND ")
			}
			writeChild(b, child, child.Op == OpOr)
		}
	case OpOr:
		for i, child := range e.Children {
			if i > 0 {
				b.WriteString(" OR ")
			}
			writeChild(b, child, false)
		}
	}
}

func writeChild(b *strings.Builder, child *Expr, parens bool) {
	if parens {
		b.WriteByte('(')
	}
	child.write(b)
	if parens {
		b.WriteByte(')')
	}
}

func isKeyword(s string) bool {
	switch strings.ToUpper(s) {
	case "AND", "OR", "NOT":
		return true
	}
	return false
}

func quoteToken(token string) string {
	if !needsQuote(token) {
		return token
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range token {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

func needsQuote(token string) bool {
	if token == "" || isKeyword(token) {
		return true
	}
	if token[0] == '(' || token[0] == '"' {
		return true
	}
	depth := 0
	for _, r := range token {
		switch {
		case unicode.IsSpace(r):
			return true
		case r == '(':
			depth++
		case r == ')':
			if depth == 0 {
				return true
			}
			depth--
		}
	}
	return false
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokLParen
	tokRParen
)

type lexeme struct {
	kind tokenKind
	text string
	pos  int
}

func lex(input string) ([]lexeme, error) {
	var out []lexeme
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			out = append(out, lexeme{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			out = append(out, lexeme{kind: tokRParen, text: ")", pos: i})
			i++
		case r == '"':
			start := i
			i++
			var b strings.Builder
			closed := false
			for i < len(runes) {
				c := runes[i]
				if c == '\\' && i+1 < len(runes) && (runes[i+1] == '"' || runes[i+1] == '\\') {
					b.WriteRune(runes[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				b.WriteRune(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quote at offset %d", start)
			}
			out = append(out, lexeme{kind: tokQuoted, text: b.String(), pos: start})
		default:
			// Bare word. Parentheses inside it are literal while balanced.
			start := i
			depth := 0
		word:
			for i < len(runes) {
				c := runes[i]
				switch {
				case unicode.IsSpace(c):
					break word
				case c == '(':
					depth++
				case c == ')':
					if depth == 0 {
						break word
					}
					depth--
				}
				i++
			}
			out = append(out, lexeme{kind: tokWord, text: string(runes[start:i]), pos: start})
		}
	}
	return out, nil
}

type parser struct {
	toks []lexeme
	pos  int
}

func (p *parser) peek() (lexeme, bool) {
	if p.pos >= len(p.toks) {
		return lexeme{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) peekKeyword(kw string) bool {
	t, ok := p.peek()
	return ok && t.kind == tokWord && strings.EqualFold(t.text, kw)
}

// ParseExpr parses a boolean expression. Precedence from loosest to
// tightest is OR, AND, NOT; adjacent terms without an operator are ANDed.
// Keywords are case-insensitive. A token that contains whitespace or would
// otherwise read as a keyword can be double-quoted, with \" and \\ escapes.
func ParseExpr(input string) (*Expr, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t, ok := p.peek(); ok {
		return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
	}
	return e, nil
}

func (p *parser) parseOr() (*Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("OR") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = join(OpOr, left, right)
	}
	return left, nil
}

func (p *parser) parseAnd() (*Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind == tokRParen || p.peekKeyword("OR") {
			return left, nil
		}
		if p.peekKeyword("AND") {
			p.pos++
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = join(OpAnd, left, right)
	}
}

func (p *parser) parseNot() (*Expr, error) {
	if p.peekKeyword("NOT") {
		p.pos++
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Expr{Op: OpNot, Children: []*Expr{child}}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Expr, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch t.kind {
	case tokLParen:
		p.pos++
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != tokRParen {
			return nil, fmt.Errorf("missing ) for ( at offset %d", t.pos)
		}
		p.pos++
		return e, nil
	case tokQuoted:
		p.pos++
		return leaf(t.text), nil
	case tokWord:
		if isKeyword(t.text) {
			return nil, fmt.Errorf("unexpected %s at offset %d", strings.ToUpper(t.text), t.pos)
		}
		p.pos++
		return leaf(t.text), nil
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}
