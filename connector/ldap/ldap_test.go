package ldap

import (
	"context"
	"errors"
	"testing"

	"f0oster/idsync/connector"
	"f0oster/idsync/filter"

	ldapv3 "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	binds    []string
	searches []*ldapv3.SearchRequest
	adds     []*ldapv3.AddRequest
	modifies []*ldapv3.ModifyRequest
	dels     []*ldapv3.DelRequest
	search   func(req *ldapv3.SearchRequest, call int) (*ldapv3.SearchResult, error)
	addErr   error
}

func (f *fakeConn) Bind(username, _ string) error {
	f.binds = append(f.binds, username)
	return nil
}

func (f *fakeConn) Search(req *ldapv3.SearchRequest) (*ldapv3.SearchResult, error) {
	f.searches = append(f.searches, req)
	if f.search == nil {
		return &ldapv3.SearchResult{}, nil
	}
	return f.search(req, len(f.searches))
}

func (f *fakeConn) Add(req *ldapv3.AddRequest) error {
	f.adds = append(f.adds, req)
	return f.addErr
}

func (f *fakeConn) Modify(req *ldapv3.ModifyRequest) error {
	f.modifies = append(f.modifies, req)
	return nil
}

func (f *fakeConn) Del(req *ldapv3.DelRequest) error {
	f.dels = append(f.dels, req)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func newTestAdapter(t *testing.T, fake *fakeConn, props map[string]string) *Adapter {
	t.Helper()
	base := map[string]string{
		"url":          "ldap://dc.example.com:389",
		"baseDN":       "DC=example,DC=com",
		"bindDN":       "CN=svc,DC=example,DC=com",
		"bindPassword": "secret",
	}
	for k, v := range props {
		base[k] = v
	}
	a, err := New(connector.Config{Type: Type, Properties: base})
	require.NoError(t, err)
	a.dial = func(string) (conn, error) { return fake, nil }
	return a
}

func entryResult(entries ...*ldapv3.Entry) *ldapv3.SearchResult {
	return &ldapv3.SearchResult{Entries: entries}
}

func TestParseSettings(t *testing.T) {
	_, err := parseSettings(connector.Config{Properties: map[string]string{"baseDN": "dc=x"}})
	assert.Error(t, err)

	_, err = parseSettings(connector.Config{Properties: map[string]string{"url": "ldap://x", "baseDN": "dc=x", "pageSize": "0"}})
	assert.Error(t, err)

	s, err := parseSettings(connector.Config{Properties: map[string]string{
		"url": "ldap://x", "baseDN": "dc=x", "groupBase": "ou=groups,dc=x", "activeDirectory": "true",
	}})
	require.NoError(t, err)
	assert.Equal(t, "dc=x", s.base(connector.Account))
	assert.Equal(t, "ou=groups,dc=x", s.base(connector.Group))
	assert.Equal(t, uint32(500), s.PageSize)
	assert.True(t, s.ActiveDirectory)
}

func TestAdapter_Create(t *testing.T) {
	fake := &fakeConn{}
	a := newTestAdapter(t, fake, nil)

	dn, err := a.Create(context.Background(), connector.Account, "jdoe", map[string][]string{
		"cn":   {"John Doe"},
		"mail": {"jdoe@example.com"},
		"sn":   nil,
	})
	require.NoError(t, err)
	assert.Equal(t, "cn=John Doe,DC=example,DC=com", dn)
	assert.Equal(t, []string{"CN=svc,DC=example,DC=com"}, fake.binds)

	require.Len(t, fake.adds, 1)
	got := map[string][]string{}
	for _, attr := range fake.adds[0].Attributes {
		got[attr.Type] = attr.Vals
	}
	assert.Equal(t, []string{"top", "person", "organizationalPerson", "inetOrgPerson"}, got["objectClass"])
	assert.Equal(t, []string{"jdoe"}, got["uid"])
	assert.Equal(t, []string{"jdoe@example.com"}, got["mail"])
	assert.NotContains(t, got, "sn")
}

func TestAdapter_CreateConflict(t *testing.T) {
	fake := &fakeConn{addErr: ldapv3.NewError(ldapv3.LDAPResultEntryAlreadyExists, errors.New("exists"))}
	a := newTestAdapter(t, fake, nil)
	_, err := a.Create(context.Background(), connector.Account, "jdoe", nil)
	assert.ErrorIs(t, err, connector.ErrConstraintViolation)
}

func TestAdapter_ActiveDirectoryPassword(t *testing.T) {
	fake := &fakeConn{}
	a := newTestAdapter(t, fake, map[string]string{"activeDirectory": "true", "nameAttribute": "sAMAccountName"})
	a.schema = map[string]AttributeSchema{}

	_, err := a.Create(context.Background(), connector.Account, "jdoe", map[string][]string{PasswordAttribute: {"Pw1"}})
	require.NoError(t, err)
	var pwd []string
	for _, attr := range fake.adds[0].Attributes {
		if attr.Type == "unicodePwd" {
			pwd = attr.Vals
		}
	}
	require.Len(t, pwd, 1)
	// "Pw1" quoted, UTF-16LE
	assert.Equal(t, "\"\x00P\x00w\x001\x00\"\x00", pwd[0])
}

func TestAdapter_ReadUpdateDelete(t *testing.T) {
	fake := &fakeConn{
		search: func(req *ldapv3.SearchRequest, _ int) (*ldapv3.SearchResult, error) {
			return entryResult(ldapv3.NewEntry("cn=John Doe,DC=example,DC=com", map[string][]string{
				"uid":  {"jdoe"},
				"mail": {"old@example.com"},
			})), nil
		},
	}
	a := newTestAdapter(t, fake, nil)
	ctx := context.Background()

	rec, err := a.Read(ctx, connector.Account, "jdoe")
	require.NoError(t, err)
	assert.Equal(t, "jdoe", rec.Name)
	assert.Equal(t, "cn=John Doe,DC=example,DC=com", rec.UID)
	assert.Equal(t, "(&(objectClass=inetOrgPerson)(uid=jdoe))", fake.searches[0].Filter)

	uid, err := a.Update(ctx, connector.Account, "jdoe", map[string][]string{"mail": {"new@example.com"}, "cn": {"Renamed"}, "title": nil})
	require.NoError(t, err)
	assert.Equal(t, rec.UID, uid)
	require.Len(t, fake.modifies, 1)
	changes := fake.modifies[0].Changes
	require.Len(t, changes, 2)
	assert.Equal(t, "mail", changes[0].Modification.Type)
	assert.Equal(t, "title", changes[1].Modification.Type)
	assert.Empty(t, changes[1].Modification.Vals)

	require.NoError(t, a.Delete(ctx, connector.Account, "jdoe"))
	require.Len(t, fake.dels, 1)
	assert.Equal(t, rec.UID, fake.dels[0].DN)
}

func TestAdapter_ReadMissing(t *testing.T) {
	a := newTestAdapter(t, &fakeConn{}, nil)
	_, err := a.Read(context.Background(), connector.Account, "ghost")
	assert.ErrorIs(t, err, connector.ErrNotFound)
}

func TestAdapter_PagedSearch(t *testing.T) {
	fake := &fakeConn{
		search: func(req *ldapv3.SearchRequest, call int) (*ldapv3.SearchResult, error) {
			if call == 1 {
				res := entryResult(ldapv3.NewEntry("cn=a,DC=example,DC=com", map[string][]string{"uid": {"a"}}))
				res.Controls = []ldapv3.Control{&ldapv3.ControlPaging{PagingSize: 1, Cookie: []byte("next")}}
				return res, nil
			}
			return entryResult(ldapv3.NewEntry("cn=b,DC=example,DC=com", map[string][]string{"uid": {"b"}})), nil
		},
	}
	a := newTestAdapter(t, fake, map[string]string{"pageSize": "1"})

	var names []string
	err := a.Search(context.Background(), connector.Account, filter.Present("mail"), func(rec connector.ExternalRecord) (bool, error) {
		names = append(names, rec.Name)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Len(t, fake.searches, 2)
}

func TestAdapter_Sync(t *testing.T) {
	fake := &fakeConn{
		search: func(req *ldapv3.SearchRequest, _ int) (*ldapv3.SearchResult, error) {
			return entryResult(
				ldapv3.NewEntry("cn=b,DC=example,DC=com", map[string][]string{"uid": {"b"}, "uSNChanged": {"120"}}),
				ldapv3.NewEntry("cn=a,DC=example,DC=com", map[string][]string{"uid": {"a"}, "uSNChanged": {"110"}}),
			), nil
		},
	}
	a := newTestAdapter(t, fake, nil)

	var got []connector.SyncDelta
	token, err := a.Sync(context.Background(), connector.Account, "100", func(d connector.SyncDelta) (bool, error) {
		got = append(got, d)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "120", token)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Record.Name)
	assert.Equal(t, "110", got[0].Token)
	assert.Equal(t, connector.DeltaCreateOrUpdate, got[1].Type)
	assert.Equal(t, "(&(objectClass=inetOrgPerson)(uSNChanged>=101))", fake.searches[0].Filter)
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(ldapv3.NewError(ldapv3.ErrorNetwork, errors.New("down"))), connector.ErrUnreachable)
	assert.ErrorIs(t, mapError(ldapv3.NewError(ldapv3.LDAPResultNoSuchObject, errors.New("gone"))), connector.ErrNotFound)
	assert.ErrorIs(t, mapError(ldapv3.NewError(ldapv3.LDAPResultConstraintViolation, errors.New("bad"))), connector.ErrConstraintViolation)
}
