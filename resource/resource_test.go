package resource_test

import (
	"errors"
	"testing"
	"time"

	"f0oster/idsync/connector"
	"f0oster/idsync/resource"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userMapping(items ...resource.MappingItem) *resource.Mapping {
	return &resource.Mapping{ObjectClass: connector.Account, Items: items}
}

func TestMappingValidate_AccountID(t *testing.T) {
	uid := resource.MappingItem{ExtAttrName: "uid", Type: resource.ItemName, AccountID: true}
	mail := resource.MappingItem{ExtAttrName: "mail", IntAttrName: "email", Type: resource.ItemPlain}

	tests := []struct {
		name  string
		items []resource.MappingItem
		want  error
	}{
		{"none", []resource.MappingItem{mail}, resource.ErrNoAccountID},
		{"two", []resource.MappingItem{uid, {ExtAttrName: "cn", Type: resource.ItemKey, AccountID: true}}, resource.ErrMultipleAccountID},
		{"one", []resource.MappingItem{uid, mail}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := userMapping(tt.items...).Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMappingValidate_Items(t *testing.T) {
	uid := resource.MappingItem{ExtAttrName: "uid", Type: resource.ItemName, AccountID: true}
	bad := []resource.MappingItem{
		{ExtAttrName: "", IntAttrName: "x", Type: resource.ItemPlain},
		{ExtAttrName: "mail", Type: resource.ItemPlain},
		{ExtAttrName: "mail", IntAttrName: "email", Type: "weird"},
		{ExtAttrName: "mail", IntAttrName: "email", Type: resource.ItemPlain, MandatoryCondition: "a = b"},
		{ExtAttrName: "mail", IntAttrName: "email", Type: resource.ItemPlain, Purpose: "sideways"},
	}
	for _, item := range bad {
		assert.Error(t, userMapping(uid, item).Validate(), "%+v", item)
	}
}

func TestResource_ValidateRejectsBadMapping(t *testing.T) {
	r := &resource.Resource{
		Name:        "ldap",
		Connector:   "ldap-conn",
		UserMapping: userMapping(resource.MappingItem{ExtAttrName: "mail", IntAttrName: "email", Type: resource.ItemPlain}),
	}
	err := r.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, resource.ErrNoAccountID))
}

func TestResource_TraceLevelDefault(t *testing.T) {
	r := &resource.Resource{Name: "a", UpdateTraceLevel: resource.TraceAll}
	assert.Equal(t, resource.TraceFailures, r.TraceLevel("CREATE"))
	assert.Equal(t, resource.TraceAll, r.TraceLevel("update"))
	assert.True(t, r.TraceLevel("UPDATE").RegisterSuccess())
	assert.False(t, r.TraceLevel("DELETE").RegisterSuccess())
	assert.True(t, r.TraceLevel("DELETE").RegisterFailure())
	assert.False(t, resource.TraceNone.RegisterFailure())
}

func TestResource_ConnectorConfigOverrides(t *testing.T) {
	ci := &resource.ConnectorInstance{
		Key:         "ldap-conn",
		Type:        "ldap",
		Properties:  map[string]string{"url": "ldap://a", "baseDN": "dc=a"},
		Overridable: []string{"baseDN"},
	}
	r := &resource.Resource{
		Name:              "ldap",
		Connector:         "ldap-conn",
		PropertyOverrides: map[string]string{"baseDN": "dc=b", "url": "ldap://evil"},
	}
	cfg := r.ConnectorConfig(ci)
	assert.Equal(t, "ldap", cfg.Type)
	assert.Equal(t, "dc=b", cfg.Properties["baseDN"])
	assert.Equal(t, "ldap://a", cfg.Properties["url"])
	assert.Equal(t, "dc=a", ci.Properties["baseDN"], "instance properties must not change")
}

func TestCatalog(t *testing.T) {
	c := resource.NewCatalog()
	r := &resource.Resource{
		Name:      "LDAP",
		Connector: "conn",
		UserMapping: userMapping(
			resource.MappingItem{ExtAttrName: "uid", Type: resource.ItemName, AccountID: true},
			resource.MappingItem{ExtAttrName: "lastLogon", IntAttrName: "lastLogon", Type: resource.ItemVirtual},
		),
	}
	err := c.PutResource(r)
	assert.ErrorIs(t, err, resource.ErrConnectorNotFound)

	require.NoError(t, c.PutConnector(&resource.ConnectorInstance{Key: "conn", Type: "memory"}))
	require.NoError(t, c.PutResource(r))

	got, ci, err := c.Binding("ldap")
	require.NoError(t, err)
	assert.Same(t, r, got)
	assert.Equal(t, "memory", ci.Type)

	owner, item, ok := c.VirtualOwner(true, "lastLogon")
	require.True(t, ok)
	assert.Equal(t, "LDAP", owner.Name)
	assert.Equal(t, "lastLogon", item.ExtAttrName)

	_, _, ok = c.VirtualOwner(false, "lastLogon")
	assert.False(t, ok)

	c.RemoveResource("ldap")
	_, err = c.Resource("LDAP")
	assert.ErrorIs(t, err, resource.ErrResourceNotFound)
}

func TestResource_Timeout(t *testing.T) {
	r := &resource.Resource{Name: "a"}
	ci := &resource.ConnectorInstance{Key: "c"}
	assert.Equal(t, 5*time.Second, r.Timeout(ci, 5*time.Second))
	ci.Timeout = 2 * time.Second
	assert.Equal(t, 2*time.Second, r.Timeout(ci, 5*time.Second))
	r.RequestTimeout = time.Second
	assert.Equal(t, time.Second, r.Timeout(ci, 5*time.Second))
}
