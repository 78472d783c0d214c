// Package dbtable is a connector for accounts kept as rows of a single
// PostgreSQL table, one column per attribute.
package dbtable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"f0oster/idsync/connector"
	"f0oster/idsync/filter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const Type = "dbtable"

// PasswordAttribute is the external name mappings use for the password
// column, configured with the passwordColumn property.
const PasswordAttribute = "__PASSWORD__"

func init() {
	connector.Register(Type, func(cfg connector.Config) (connector.Adapter, error) {
		return New(cfg)
	})
}

// querier is the part of *pgxpool.Pool the adapter uses.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Settings struct {
	DSN            string
	Table          string
	GroupTable     string
	KeyColumn      string
	PasswordColumn string
	// ChangeColumn holds a monotonically increasing bigint bumped on every
	// write; it enables incremental sync.
	ChangeColumn string
	// DeletedColumn is an optional boolean soft-delete flag reported as
	// DELETE deltas.
	DeletedColumn string
}

type Adapter struct {
	settings Settings

	mu      sync.Mutex
	db      querier
	pool    *pgxpool.Pool
	columns map[string]map[string]string // table -> column -> data type
}

func New(cfg connector.Config) (*Adapter, error) {
	s := Settings{
		DSN:            cfg.Property("dsn", ""),
		Table:          cfg.Property("table", ""),
		GroupTable:     cfg.Property("groupTable", ""),
		KeyColumn:      cfg.Property("keyColumn", "username"),
		PasswordColumn: cfg.Property("passwordColumn", ""),
		ChangeColumn:   cfg.Property("changeColumn", ""),
		DeletedColumn:  cfg.Property("deletedColumn", ""),
	}
	if s.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if s.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	return &Adapter{settings: s, columns: make(map[string]map[string]string)}, nil
}

func (a *Adapter) Capabilities() connector.Capabilities {
	caps := connector.Capabilities{
		connector.CapCreate, connector.CapUpdate, connector.CapDelete,
		connector.CapSearch, connector.CapRead, connector.CapSchema,
	}
	if a.settings.ChangeColumn != "" {
		caps = append(caps, connector.CapSync)
	}
	return caps
}

func (a *Adapter) conn(ctx context.Context) (querier, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return a.db, nil
	}
	pool, err := pgxpool.New(ctx, a.settings.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create pool: %v", connector.ErrUnreachable, err)
	}
	a.pool = pool
	a.db = pool
	return pool, nil
}

func (a *Adapter) table(oc connector.ObjectClass) (string, error) {
	if oc == connector.Group {
		if a.settings.GroupTable == "" {
			return "", fmt.Errorf("%s: %w", oc, connector.ErrUnsupported)
		}
		return a.settings.GroupTable, nil
	}
	return a.settings.Table, nil
}

func (a *Adapter) Test(ctx context.Context) error {
	db, err := a.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, "SELECT 1"); err != nil {
		return mapError(err)
	}
	_, err = a.tableColumns(ctx, connector.Account)
	return err
}

func (a *Adapter) Schema(ctx context.Context, oc connector.ObjectClass) ([]connector.AttributeDescriptor, error) {
	cols, err := a.tableColumns(ctx, oc)
	if err != nil {
		return nil, err
	}
	out := make([]connector.AttributeDescriptor, 0, len(cols))
	for name, typ := range cols {
		if name == a.settings.ChangeColumn || name == a.settings.DeletedColumn {
			continue
		}
		out = append(out, connector.AttributeDescriptor{
			Name:     name,
			Type:     typ,
			Required: name == a.settings.KeyColumn,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

const columnsQuery = `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2`

func (a *Adapter) tableColumns(ctx context.Context, oc connector.ObjectClass) (map[string]string, error) {
	table, err := a.table(oc)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	cached, ok := a.columns[table]
	a.mu.Unlock()
	if ok {
		return cached, nil
	}

	db, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	schema, name := "public", table
	if i := strings.IndexByte(table, '.'); i >= 0 {
		schema, name = table[:i], table[i+1:]
	}
	rows, err := db.Query(ctx, columnsQuery, schema, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, mapError(err))
	}
	cols := make(map[string]string)
	for rows.Next() {
		var col, typ string
		if err := rows.Scan(&col, &typ); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		cols[col] = typ
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, mapError(err))
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found: %w", table, connector.ErrUnreachable)
	}

	a.mu.Lock()
	a.columns[table] = cols
	a.mu.Unlock()
	return cols, nil
}

func (a *Adapter) columnFor(cols map[string]string) func(string) (string, error) {
	return func(attr string) (string, error) {
		switch attr {
		case connector.AttrName, connector.AttrUID:
			attr = a.settings.KeyColumn
		case PasswordAttribute:
			if a.settings.PasswordColumn == "" {
				return "", fmt.Errorf("no password column configured: %w", connector.ErrConstraintViolation)
			}
			attr = a.settings.PasswordColumn
		}
		if _, ok := cols[attr]; !ok {
			return "", fmt.Errorf("unknown column %q: %w", attr, connector.ErrConstraintViolation)
		}
		return ident(attr), nil
	}
}

func (a *Adapter) Search(ctx context.Context, oc connector.ObjectClass, f filter.Filter, handler connector.ResultHandler) error {
	cols, err := a.tableColumns(ctx, oc)
	if err != nil {
		return err
	}
	table, _ := a.table(oc)
	wb := &whereBuilder{column: a.columnFor(cols)}
	where, err := wb.render(f)
	if err != nil {
		return err
	}
	if a.settings.DeletedColumn != "" {
		where = "(" + where + ") AND NOT COALESCE(" + ident(a.settings.DeletedColumn) + ", FALSE)"
	}
	sql := "SELECT * FROM " + tableIdent(table) + " WHERE " + where + " ORDER BY " + ident(a.settings.KeyColumn)
	return a.scan(ctx, sql, wb.args, func(rec connector.ExternalRecord, _ map[string]any) (bool, error) {
		return handler(rec)
	})
}

func (a *Adapter) Read(ctx context.Context, oc connector.ObjectClass, name string) (*connector.ExternalRecord, error) {
	var found *connector.ExternalRecord
	err := a.Search(ctx, oc, filter.Eq(connector.AttrName, name), func(rec connector.ExternalRecord) (bool, error) {
		found = &rec
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%s %s: %w", oc, name, connector.ErrNotFound)
	}
	return found, nil
}

func (a *Adapter) Create(ctx context.Context, oc connector.ObjectClass, name string, attrs map[string][]string) (string, error) {
	cols, err := a.tableColumns(ctx, oc)
	if err != nil {
		return "", err
	}
	table, _ := a.table(oc)
	colFor := a.columnFor(cols)

	values := map[string]any{ident(a.settings.KeyColumn): name}
	for attr, v := range attrs {
		if len(v) == 0 {
			continue
		}
		col, err := colFor(attr)
		if err != nil {
			return "", err
		}
		if col == ident(a.settings.KeyColumn) {
			continue
		}
		values[col] = v[0]
	}
	if a.settings.DeletedColumn != "" {
		values[ident(a.settings.DeletedColumn)] = false
	}

	names := sortedKeys(values)
	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, col := range names {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = values[col]
	}
	sql := "INSERT INTO " + tableIdent(table) + " (" + strings.Join(names, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	if a.settings.DeletedColumn != "" {
		// revive a soft-deleted row
		sql += " ON CONFLICT (" + ident(a.settings.KeyColumn) + ") DO UPDATE SET " + assignments(names, ident(a.settings.KeyColumn)) +
			" WHERE " + tableIdent(table) + "." + ident(a.settings.DeletedColumn)
	}

	db, err := a.conn(ctx)
	if err != nil {
		return "", err
	}
	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return "", fmt.Errorf("failed to insert %s: %w", name, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("%s %s already exists: %w", oc, name, connector.ErrConstraintViolation)
	}
	return name, nil
}

func (a *Adapter) Update(ctx context.Context, oc connector.ObjectClass, name string, attrs map[string][]string) (string, error) {
	cols, err := a.tableColumns(ctx, oc)
	if err != nil {
		return "", err
	}
	table, _ := a.table(oc)
	colFor := a.columnFor(cols)

	var sets []string
	var args []any
	for _, attr := range sortedAttrKeys(attrs) {
		col, err := colFor(attr)
		if err != nil {
			return "", err
		}
		if col == ident(a.settings.KeyColumn) {
			continue
		}
		var v any
		if vals := attrs[attr]; len(vals) > 0 {
			v = vals[0]
		}
		args = append(args, v)
		sets = append(sets, col+" = $"+strconv.Itoa(len(args)))
	}
	if len(sets) == 0 {
		if _, err := a.Read(ctx, oc, name); err != nil {
			return "", err
		}
		return name, nil
	}
	args = append(args, name)
	sql := "UPDATE " + tableIdent(table) + " SET " + strings.Join(sets, ", ") +
		" WHERE " + ident(a.settings.KeyColumn) + " = $" + strconv.Itoa(len(args)) + a.notDeleted()

	db, err := a.conn(ctx)
	if err != nil {
		return "", err
	}
	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return "", fmt.Errorf("failed to update %s: %w", name, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("%s %s: %w", oc, name, connector.ErrNotFound)
	}
	return name, nil
}

func (a *Adapter) Delete(ctx context.Context, oc connector.ObjectClass, name string) error {
	table, err := a.table(oc)
	if err != nil {
		return err
	}
	sql := "DELETE FROM " + tableIdent(table) + " WHERE " + ident(a.settings.KeyColumn) + " = $1"
	if a.settings.DeletedColumn != "" {
		sql = "UPDATE " + tableIdent(table) + " SET " + ident(a.settings.DeletedColumn) + " = TRUE WHERE " +
			ident(a.settings.KeyColumn) + " = $1" + a.notDeleted()
	}
	db, err := a.conn(ctx)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, sql, name)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", oc, name, connector.ErrNotFound)
	}
	return nil
}

// Sync streams rows whose change column moved past token, in change order.
// Rows flagged in the deleted column are reported as DELETE deltas.
func (a *Adapter) Sync(ctx context.Context, oc connector.ObjectClass, token string, handler connector.SyncHandler) (string, error) {
	if a.settings.ChangeColumn == "" {
		return token, fmt.Errorf("sync: %w", connector.ErrUnsupported)
	}
	var last int64
	if token != "" {
		n, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return token, fmt.Errorf("invalid sync token %q: %w", token, err)
		}
		last = n
	}
	table, err := a.table(oc)
	if err != nil {
		return token, err
	}
	change := ident(a.settings.ChangeColumn)
	sql := "SELECT * FROM " + tableIdent(table) + " WHERE " + change + " > $1 ORDER BY " + change

	err = a.scan(ctx, sql, []any{last}, func(rec connector.ExternalRecord, raw map[string]any) (bool, error) {
		seq, err := strconv.ParseInt(fmt.Sprint(raw[a.settings.ChangeColumn]), 10, 64)
		if err != nil {
			return false, fmt.Errorf("row %s has no usable %s: %w", rec.Name, a.settings.ChangeColumn, err)
		}
		delta := connector.SyncDelta{Type: connector.DeltaCreateOrUpdate, Record: rec, Token: strconv.FormatInt(seq, 10)}
		if deleted, _ := raw[a.settings.DeletedColumn].(bool); a.settings.DeletedColumn != "" && deleted {
			delta.Type = connector.DeltaDelete
		}
		more, err := handler(delta)
		if err != nil {
			return false, err
		}
		last = seq
		return more, nil
	})
	return strconv.FormatInt(last, 10), err
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	a.db = nil
	return nil
}

func (a *Adapter) scan(ctx context.Context, sql string, args []any, fn func(rec connector.ExternalRecord, raw map[string]any) (bool, error)) error {
	db, err := a.conn(ctx)
	if err != nil {
		return err
	}
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("query failed: %w", mapError(err))
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("failed to read row: %w", err)
		}
		raw := make(map[string]any, len(fields))
		rec := connector.ExternalRecord{Attributes: make(map[string][]string, len(fields))}
		for i, fd := range fields {
			raw[fd.Name] = values[i]
			if values[i] == nil || fd.Name == a.settings.PasswordColumn ||
				fd.Name == a.settings.ChangeColumn || fd.Name == a.settings.DeletedColumn {
				continue
			}
			rec.Attributes[fd.Name] = []string{fmt.Sprint(values[i])}
		}
		if key := rec.Attributes[a.settings.KeyColumn]; len(key) > 0 {
			rec.Name = key[0]
			rec.UID = key[0]
		}
		more, err := fn(rec, raw)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return mapError(rows.Err())
}

func (a *Adapter) notDeleted() string {
	if a.settings.DeletedColumn == "" {
		return ""
	}
	return " AND NOT COALESCE(" + ident(a.settings.DeletedColumn) + ", FALSE)"
}

func assignments(cols []string, skip string) string {
	var parts []string
	for _, c := range cols {
		if c != skip {
			parts = append(parts, c+" = EXCLUDED."+c)
		}
	}
	return strings.Join(parts, ", ")
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := pgErr.Code
		if len(class) > 2 {
			class = class[:2]
		}
		switch class {
		case "23", "22": // integrity constraint, data exception
			return fmt.Errorf("%w: %s", connector.ErrConstraintViolation, pgErr.Message)
		case "08", "57": // connection exception, operator intervention
			return fmt.Errorf("%w: %s", connector.ErrUnreachable, pgErr.Message)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", connector.ErrUnreachable, err)
	}
	return err
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedAttrKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
