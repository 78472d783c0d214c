package dbtable

import (
	"fmt"
	"strings"

	"f0oster/idsync/filter"

	"github.com/jackc/pgx/v5"
)

// whereBuilder renders filters into a parameterised WHERE clause.
type whereBuilder struct {
	column func(attr string) (string, error)
	args   []any
}

func (b *whereBuilder) param(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *whereBuilder) render(f filter.Filter) (string, error) {
	switch f := f.(type) {
	case nil, filter.AllFilter:
		return "TRUE", nil
	case filter.AndFilter:
		return b.join(f.Parts, " AND ", "TRUE")
	case filter.OrFilter:
		return b.join(f.Parts, " OR ", "FALSE")
	case filter.NotFilter:
		inner, err := b.render(f.Part)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case filter.EqFilter:
		col, err := b.column(f.Attr)
		if err != nil {
			return "", err
		}
		return col + "::text = " + b.param(f.Value), nil
	case filter.PresentFilter:
		col, err := b.column(f.Attr)
		if err != nil {
			return "", err
		}
		return col + " IS NOT NULL", nil
	case filter.GeFilter:
		col, err := b.column(f.Attr)
		if err != nil {
			return "", err
		}
		return col + " >= " + b.param(f.Value), nil
	}
	return "", fmt.Errorf("unsupported filter %T", f)
}

func (b *whereBuilder) join(parts []filter.Filter, sep, empty string) (string, error) {
	if len(parts) == 0 {
		return empty, nil
	}
	rendered := make([]string, 0, len(parts))
	for _, p := range parts {
		s, err := b.render(p)
		if err != nil {
			return "", err
		}
		rendered = append(rendered, "("+s+")")
	}
	return strings.Join(rendered, sep), nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// tableIdent accepts "schema.table" or "table".
func tableIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}
