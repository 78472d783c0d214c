// Package ldap is the directory connector: LDAP v3 servers in general and
// Active Directory in particular.
package ldap

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

	ldapv3 "github.com/go-ldap/ldap/v3"
	"golang.org/x/text/encoding/unicode"
)

const Type = "ldap"

// PasswordAttribute is the external attribute name mappings use for the
// account password. It is written to unicodePwd on Active Directory and
// userPassword elsewhere.
const PasswordAttribute = "__PASSWORD__"

func init() {
	connector.Register(Type, func(cfg connector.Config) (connector.Adapter, error) {
		return New(cfg)
	})
}

// conn is the part of *ldap.Conn the adapter uses.
type conn interface {
	Bind(username, password string) error
	Search(req *ldapv3.SearchRequest) (*ldapv3.SearchResult, error)
	Add(req *ldapv3.AddRequest) error
	Modify(req *ldapv3.ModifyRequest) error
	Del(req *ldapv3.DelRequest) error
	Close() error
}

type Adapter struct {
	settings Settings
	dial     func(url string) (conn, error)

	mu     sync.Mutex
	conn   conn
	schema map[string]AttributeSchema
}

func New(cfg connector.Config) (*Adapter, error) {
	s, err := parseSettings(cfg)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		settings: s,
		dial: func(url string) (conn, error) {
			return ldapv3.DialURL(url)
		},
	}, nil
}

func (a *Adapter) Capabilities() connector.Capabilities {
	caps := connector.Capabilities{
		connector.CapCreate, connector.CapUpdate, connector.CapDelete,
		connector.CapSearch, connector.CapRead, connector.CapSync,
	}
	if a.settings.ActiveDirectory {
		caps = append(caps, connector.CapSchema)
	}
	return caps
}

func (a *Adapter) connect() (conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return a.conn, nil
	}
	c, err := a.dial(a.settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w: %v", a.settings.URL, connector.ErrUnreachable, err)
	}
	if a.settings.BindDN != "" {
		if err := c.Bind(a.settings.BindDN, a.settings.BindPassword); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to bind as %s: %w", a.settings.BindDN, mapError(err))
		}
	}
	a.conn = c
	return c, nil
}

func (a *Adapter) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}

// do runs fn on a bound connection, redialing once when the connection was lost.
func (a *Adapter) do(ctx context.Context, fn func(c conn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := a.connect()
		if err != nil {
			return err
		}
		err = fn(c)
		if err != nil && ldapv3.IsErrorWithCode(err, ldapv3.ErrorNetwork) {
			a.reset()
			if attempt == 0 {
				continue
			}
		}
		return mapError(err)
	}
}

func (a *Adapter) Test(ctx context.Context) error {
	return a.do(ctx, func(c conn) error {
		req := ldapv3.NewSearchRequest("", ldapv3.ScopeBaseObject, ldapv3.NeverDerefAliases, 0, 0, false,
			"(objectClass=*)", []string{"namingContexts"}, nil)
		_, err := c.Search(req)
		return err
	})
}

func (a *Adapter) Schema(ctx context.Context, oc connector.ObjectClass) ([]connector.AttributeDescriptor, error) {
	if !a.settings.ActiveDirectory {
		return nil, connector.ErrUnsupported
	}
	schema, err := a.attributeSchema(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]connector.AttributeDescriptor, 0, len(schema))
	for _, s := range schema {
		out = append(out, s.descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (a *Adapter) attributeSchema(ctx context.Context) (map[string]AttributeSchema, error) {
	if !a.settings.ActiveDirectory {
		return nil, nil
	}
	a.mu.Lock()
	cached := a.schema
	a.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	schema, err := a.loadSchema()
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.schema = schema
	a.mu.Unlock()
	return schema, nil
}

func (a *Adapter) Search(ctx context.Context, oc connector.ObjectClass, f filter.Filter, handler connector.ResultHandler) error {
	schema, err := a.attributeSchema(ctx)
	if err != nil {
		return err
	}
	query := a.objectFilter(oc, f).String()
	return a.pagedSearch(a.settings.base(oc), query, nil, func(entries []*ldapv3.Entry) (bool, error) {
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			rec, err := a.toRecord(oc, e, schema)
			if err != nil {
				return false, err
			}
			more, err := handler(rec)
			if err != nil || !more {
				return false, err
			}
		}
		return true, nil
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
	rdnValue := name
	if v := attrs[a.settings.RDNAttribute]; len(v) > 0 {
		rdnValue = v[0]
	}
	dn := a.settings.RDNAttribute + "=" + ldapv3.EscapeDN(rdnValue) + "," + a.settings.base(oc)

	req := ldapv3.NewAddRequest(dn, nil)
	req.Attribute("objectClass", a.settings.objectClasses(oc))
	nameAttr := a.settings.nameAttribute(oc)
	if len(attrs[nameAttr]) == 0 {
		req.Attribute(nameAttr, []string{name})
	}
	for _, k := range sortedKeys(attrs) {
		values := attrs[k]
		if len(values) == 0 || strings.EqualFold(k, "objectClass") {
			continue
		}
		attr, values, err := a.outbound(k, values)
		if err != nil {
			return "", err
		}
		req.Attribute(attr, values)
	}

	err := a.do(ctx, func(c conn) error { return c.Add(req) })
	if err != nil {
		return "", fmt.Errorf("failed to add %s: %w", dn, err)
	}
	return dn, nil
}

func (a *Adapter) Update(ctx context.Context, oc connector.ObjectClass, name string, attrs map[string][]string) (string, error) {
	rec, err := a.Read(ctx, oc, name)
	if err != nil {
		return "", err
	}
	req := ldapv3.NewModifyRequest(rec.UID, nil)
	for _, k := range sortedKeys(attrs) {
		// renames need ModifyDN and are not issued as attribute changes
		if strings.EqualFold(k, a.settings.RDNAttribute) || strings.EqualFold(k, "objectClass") {
			continue
		}
		attr, values, err := a.outbound(k, attrs[k])
		if err != nil {
			return "", err
		}
		req.Replace(attr, values)
	}
	if len(req.Changes) == 0 {
		return rec.UID, nil
	}
	if err := a.do(ctx, func(c conn) error { return c.Modify(req) }); err != nil {
		return "", fmt.Errorf("failed to modify %s: %w", rec.UID, err)
	}
	return rec.UID, nil
}

func (a *Adapter) Delete(ctx context.Context, oc connector.ObjectClass, name string) error {
	rec, err := a.Read(ctx, oc, name)
	if err != nil {
		return err
	}
	if err := a.do(ctx, func(c conn) error { return c.Del(ldapv3.NewDelRequest(rec.UID, nil)) }); err != nil {
		return fmt.Errorf("failed to delete %s: %w", rec.UID, err)
	}
	return nil
}

// Sync reports every object whose sync attribute moved past token as a
// CREATE_OR_UPDATE delta, in sync attribute order. Deletions are not
// reported; full reconciliation picks them up.
func (a *Adapter) Sync(ctx context.Context, oc connector.ObjectClass, token string, handler connector.SyncHandler) (string, error) {
	var last int64
	if token != "" {
		n, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return token, fmt.Errorf("invalid sync token %q: %w", token, err)
		}
		last = n
	}
	schema, err := a.attributeSchema(ctx)
	if err != nil {
		return token, err
	}

	type change struct {
		usn int64
		rec connector.ExternalRecord
	}
	var changes []change
	query := a.objectFilter(oc, filter.Ge(a.settings.SyncAttribute, last+1)).String()
	err = a.pagedSearch(a.settings.base(oc), query, []string{"*", a.settings.SyncAttribute}, func(entries []*ldapv3.Entry) (bool, error) {
		for _, e := range entries {
			usn, err := strconv.ParseInt(e.GetAttributeValue(a.settings.SyncAttribute), 10, 64)
			if err != nil {
				return false, fmt.Errorf("entry %s has no usable %s: %w", e.DN, a.settings.SyncAttribute, err)
			}
			rec, err := a.toRecord(oc, e, schema)
			if err != nil {
				return false, err
			}
			changes = append(changes, change{usn: usn, rec: rec})
		}
		return true, nil
	})
	if err != nil {
		return token, err
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].usn < changes[j].usn })
	for _, c := range changes {
		if err := ctx.Err(); err != nil {
			return strconv.FormatInt(last, 10), err
		}
		tok := strconv.FormatInt(c.usn, 10)
		more, err := handler(connector.SyncDelta{Type: connector.DeltaCreateOrUpdate, Record: c.rec, Token: tok})
		if err != nil {
			return strconv.FormatInt(last, 10), err
		}
		last = c.usn
		if !more {
			break
		}
	}
	return strconv.FormatInt(last, 10), nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

// pagedSearch runs a paged subtree search and hands each page to processPage
// until the server runs out of pages or processPage returns false.
func (a *Adapter) pagedSearch(base, query string, attrs []string, processPage func(entries []*ldapv3.Entry) (bool, error)) error {
	c, err := a.connect()
	if err != nil {
		return err
	}
	paging := ldapv3.NewControlPaging(a.settings.PageSize)
	req := ldapv3.NewSearchRequest(
		base,
		ldapv3.ScopeWholeSubtree,
		ldapv3.NeverDerefAliases,
		0, 0, false,
		query,
		attrs,
		[]ldapv3.Control{paging},
	)
	for {
		res, err := c.Search(req)
		if err != nil {
			if ldapv3.IsErrorWithCode(err, ldapv3.ErrorNetwork) {
				a.reset()
			}
			return fmt.Errorf("LDAP search failed: %w", mapError(err))
		}
		more, err := processPage(res.Entries)
		if err != nil {
			return fmt.Errorf("processing page failed: %w", err)
		}
		if !more {
			return nil
		}
		ctrl, ok := ldapv3.FindControl(res.Controls, ldapv3.ControlTypePaging).(*ldapv3.ControlPaging)
		if !ok || len(ctrl.Cookie) == 0 {
			return nil
		}
		paging.SetCookie(ctrl.Cookie)
	}
}

func (a *Adapter) objectFilter(oc connector.ObjectClass, f filter.Filter) filter.Filter {
	classes := a.settings.objectClasses(oc)
	var base filter.Filter = filter.All()
	if len(classes) > 0 {
		base = filter.Eq("objectClass", classes[len(classes)-1])
	}
	if f == nil {
		return base
	}
	nameAttr := a.settings.nameAttribute(oc)
	return filter.And(base, filter.Rename(f, func(attr string) string {
		switch attr {
		case connector.AttrName:
			return nameAttr
		case connector.AttrUID:
			return "distinguishedName"
		}
		return attr
	}))
}

func (a *Adapter) toRecord(oc connector.ObjectClass, e *ldapv3.Entry, schema map[string]AttributeSchema) (connector.ExternalRecord, error) {
	rec := connector.ExternalRecord{UID: e.DN, Attributes: make(map[string][]string, len(e.Attributes))}
	for _, attr := range e.Attributes {
		values, err := normalizerFor(attr.Name, schema).Normalize(attr.ByteValues)
		if err != nil {
			return rec, fmt.Errorf("failed to parse attribute %s of %s: %w", attr.Name, e.DN, err)
		}
		if len(values) > 0 {
			rec.Attributes[attr.Name] = values
		}
	}
	if v := e.GetEqualFoldAttributeValue(a.settings.nameAttribute(oc)); v != "" {
		rec.Name = v
	} else {
		rec.Name = e.DN
	}
	return rec, nil
}

// outbound maps the password pseudo attribute onto the directory's
// password attribute.
func (a *Adapter) outbound(attr string, values []string) (string, []string, error) {
	if attr != PasswordAttribute {
		return attr, values, nil
	}
	if !a.settings.ActiveDirectory {
		return "userPassword", values, nil
	}
	encoded := make([]string, len(values))
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	for i, v := range values {
		s, err := enc.String(`"` + v + `"`)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode password")
		}
		encoded[i] = s
	}
	return "unicodePwd", encoded, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var ldapErr *ldapv3.Error
	if !errors.As(err, &ldapErr) {
		return err
	}
	switch ldapErr.ResultCode {
	case ldapv3.ErrorNetwork, ldapv3.LDAPResultUnavailable, ldapv3.LDAPResultBusy, ldapv3.LDAPResultServerDown:
		return fmt.Errorf("%w: %v", connector.ErrUnreachable, err)
	case ldapv3.LDAPResultNoSuchObject:
		return fmt.Errorf("%w: %v", connector.ErrNotFound, err)
	case ldapv3.LDAPResultEntryAlreadyExists, ldapv3.LDAPResultConstraintViolation,
		ldapv3.LDAPResultObjectClassViolation, ldapv3.LDAPResultInvalidAttributeSyntax,
		ldapv3.LDAPResultAttributeOrValueExists, ldapv3.LDAPResultUnwillingToPerform:
		return fmt.Errorf("%w: %v", connector.ErrConstraintViolation, err)
	}
	return err
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
