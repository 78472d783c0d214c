// Package flatfile is a connector over a CSV file with a header row. The
// whole file is read per operation and rewritten atomically on change, so it
// suits small exports and feeds reconciled in full.
package flatfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"f0oster/idsync/connector"
	"f0oster/idsync/filter"
)

const Type = "flatfile"

func init() {
	connector.Register(Type, func(cfg connector.Config) (connector.Adapter, error) {
		return New(cfg)
	})
}

type Adapter struct {
	path       string
	keyColumn  string
	delimiter  rune
	multiValue string

	mu sync.Mutex
}

func New(cfg connector.Config) (*Adapter, error) {
	path := cfg.Property("path", "")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	delim := []rune(cfg.Property("delimiter", ","))
	if len(delim) != 1 {
		return nil, fmt.Errorf("delimiter must be a single character")
	}
	return &Adapter{
		path:       path,
		keyColumn:  cfg.Property("keyColumn", "username"),
		delimiter:  delim[0],
		multiValue: cfg.Property("multiValueDelimiter", "|"),
	}, nil
}

func (a *Adapter) Capabilities() connector.Capabilities {
	return connector.Capabilities{
		connector.CapCreate, connector.CapUpdate, connector.CapDelete,
		connector.CapSearch, connector.CapRead, connector.CapSchema,
	}
}

type table struct {
	header []string
	rows   []map[string][]string
}

func (a *Adapter) load() (*table, error) {
	f, err := os.Open(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return &table{header: []string{a.keyColumn}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrUnreachable, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = a.delimiter
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return &table{header: []string{a.keyColumn}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", a.path, err)
	}
	if !slices.Contains(header, a.keyColumn) {
		return nil, fmt.Errorf("%s has no %q column", a.path, a.keyColumn)
	}

	t := &table{header: header}
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s line %d: %w", a.path, line, err)
		}
		row := make(map[string][]string, len(header))
		for i, col := range header {
			if i >= len(rec) || rec[i] == "" {
				continue
			}
			row[col] = a.split(rec[i])
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

func (a *Adapter) save(t *table) error {
	dir := filepath.Dir(a.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(a.path)+"-*")
	if err != nil {
		return fmt.Errorf("%w: %v", connector.ErrUnreachable, err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	w.Comma = a.delimiter
	if err := w.Write(t.header); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range t.rows {
		rec := make([]string, len(t.header))
		for i, col := range t.header {
			rec[i] = strings.Join(row[col], a.multiValue)
		}
		if err := w.Write(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), a.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", a.path, err)
	}
	return nil
}

func (a *Adapter) split(v string) []string {
	if a.multiValue == "" {
		return []string{v}
	}
	return strings.Split(v, a.multiValue)
}

func (a *Adapter) rowIndex(t *table, name string) int {
	for i, r := range t.rows {
		if v := r[a.keyColumn]; len(v) > 0 && strings.EqualFold(v[0], name) {
			return i
		}
	}
	return -1
}

func (a *Adapter) toRecord(row map[string][]string) connector.ExternalRecord {
	rec := connector.ExternalRecord{Attributes: make(map[string][]string, len(row))}
	for k, v := range row {
		rec.Attributes[k] = slices.Clone(v)
	}
	if key := row[a.keyColumn]; len(key) > 0 {
		rec.Name = key[0]
		rec.UID = key[0]
	}
	return rec
}

func (a *Adapter) Test(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.load()
	return err
}

func (a *Adapter) Schema(ctx context.Context, oc connector.ObjectClass) ([]connector.AttributeDescriptor, error) {
	if oc != connector.Account {
		return nil, connector.ErrUnsupported
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	t, err := a.load()
	if err != nil {
		return nil, err
	}
	out := make([]connector.AttributeDescriptor, 0, len(t.header))
	for _, col := range t.header {
		out = append(out, connector.AttributeDescriptor{
			Name:        col,
			Type:        "string",
			Required:    col == a.keyColumn,
			MultiValued: a.multiValue != "",
		})
	}
	return out, nil
}

func (a *Adapter) Search(ctx context.Context, oc connector.ObjectClass, f filter.Filter, handler connector.ResultHandler) error {
	if oc != connector.Account {
		return nil
	}
	a.mu.Lock()
	t, err := a.load()
	a.mu.Unlock()
	if err != nil {
		return err
	}
	for _, row := range t.rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := a.toRecord(row)
		if f != nil {
			attrs := rec.Attributes
			attrs[connector.AttrName] = []string{rec.Name}
			attrs[connector.AttrUID] = []string{rec.UID}
			match := f.Match(attrs)
			delete(attrs, connector.AttrName)
			delete(attrs, connector.AttrUID)
			if !match {
				continue
			}
		}
		more, err := handler(rec)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (a *Adapter) Read(_ context.Context, oc connector.ObjectClass, name string) (*connector.ExternalRecord, error) {
	if oc != connector.Account {
		return nil, connector.ErrUnsupported
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	t, err := a.load()
	if err != nil {
		return nil, err
	}
	i := a.rowIndex(t, name)
	if i < 0 {
		return nil, fmt.Errorf("%s %s: %w", oc, name, connector.ErrNotFound)
	}
	rec := a.toRecord(t.rows[i])
	return &rec, nil
}

func (a *Adapter) Create(_ context.Context, oc connector.ObjectClass, name string, attrs map[string][]string) (string, error) {
	if oc != connector.Account {
		return "", connector.ErrUnsupported
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	t, err := a.load()
	if err != nil {
		return "", err
	}
	if a.rowIndex(t, name) >= 0 {
		return "", fmt.Errorf("%s %s already exists: %w", oc, name, connector.ErrConstraintViolation)
	}
	row := map[string][]string{a.keyColumn: {name}}
	for k, v := range attrs {
		if len(v) == 0 || k == a.keyColumn {
			continue
		}
		row[k] = slices.Clone(v)
	}
	t.addColumns(row)
	t.rows = append(t.rows, row)
	if err := a.save(t); err != nil {
		return "", err
	}
	return name, nil
}

func (a *Adapter) Update(_ context.Context, oc connector.ObjectClass, name string, attrs map[string][]string) (string, error) {
	if oc != connector.Account {
		return "", connector.ErrUnsupported
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	t, err := a.load()
	if err != nil {
		return "", err
	}
	i := a.rowIndex(t, name)
	if i < 0 {
		return "", fmt.Errorf("%s %s: %w", oc, name, connector.ErrNotFound)
	}
	row := t.rows[i]
	for k, v := range attrs {
		if k == a.keyColumn {
			continue
		}
		if len(v) == 0 {
			delete(row, k)
			continue
		}
		row[k] = slices.Clone(v)
	}
	t.addColumns(row)
	if err := a.save(t); err != nil {
		return "", err
	}
	return name, nil
}

func (a *Adapter) Delete(_ context.Context, oc connector.ObjectClass, name string) error {
	if oc != connector.Account {
		return connector.ErrUnsupported
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	t, err := a.load()
	if err != nil {
		return err
	}
	i := a.rowIndex(t, name)
	if i < 0 {
		return fmt.Errorf("%s %s: %w", oc, name, connector.ErrNotFound)
	}
	t.rows = slices.Delete(t.rows, i, i+1)
	return a.save(t)
}

func (a *Adapter) Sync(_ context.Context, _ connector.ObjectClass, token string, _ connector.SyncHandler) (string, error) {
	return token, fmt.Errorf("sync: %w", connector.ErrUnsupported)
}

func (a *Adapter) Close() error { return nil }

// addColumns extends the header with any new attribute names, sorted.
func (t *table) addColumns(row map[string][]string) {
	var added []string
	for k := range row {
		if !slices.Contains(t.header, k) {
			added = append(added, k)
		}
	}
	sort.Strings(added)
	t.header = append(t.header, added...)
}
