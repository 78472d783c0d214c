package expression

import (
	"fmt"
)

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) error {
	t := p.next()
	if t.kind != kind {
		return fmt.Errorf("expected %s at %d, got %q", what, t.pos, t.text)
	}
	return nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logical{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = logical{left: left, right: right, and: true}
	}
	return left, nil
}

func (p *parser) parseCompare() (Expr, error) {
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokEq, tokNe:
		negate := p.next().kind == tokNe
		right, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		return compare{left: left, right: right, negate: negate}, nil
	}
	return left, nil
}

func (p *parser) parseConcat() (Expr, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	parts := []Expr{first}
	for p.peek().kind == tokPlus {
		p.next()
		part, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	if len(parts) == 1 {
		return first, nil
	}
	return concat{parts: parts}, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().kind == tokNot {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return not{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokString, tokNumber:
		return literal{value: Value{t.text}}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		switch t.text {
		case "true", "false":
			return literal{value: Value{t.text}}, nil
		case "null":
			return literal{}, nil
		}
		if p.peek().kind != tokLParen {
			return field{name: t.text}, nil
		}
		p.next()
		fn, ok := lookupFunction(t.text)
		if !ok {
			return nil, fmt.Errorf("unknown function %q at %d", t.text, t.pos)
		}
		var args []Expr
		if p.peek().kind != tokRParen {
			for {
				arg, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.peek().kind != tokComma {
					break
				}
				p.next()
			}
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return call{name: t.text, fn: fn, args: args}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}
