package anyobject_test

import (
	"testing"

	"f0oster/idsync/anyobject"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaRegistry_Register(t *testing.T) {
	r := anyobject.NewSchemaRegistry()

	require.NoError(t, r.Register(anyobject.Schema{Name: "surname"}))
	s, ok := r.Lookup("surname")
	require.True(t, ok)
	assert.Equal(t, anyobject.SchemaPlain, s.Type)

	assert.Error(t, r.Register(anyobject.Schema{}))
	assert.Error(t, r.Register(anyobject.Schema{Name: "x", Type: "bogus"}))
	assert.Error(t, r.Register(anyobject.Schema{Name: "cn", Type: anyobject.SchemaDerived, Expression: "firstname +"}))
}

func TestSchemaRegistry_TypeOfUnknown(t *testing.T) {
	r := anyobject.NewSchemaRegistry()
	assert.Equal(t, anyobject.SchemaPlain, r.TypeOf("anything"))
}

func TestSchemaRegistry_Derived(t *testing.T) {
	r := anyobject.NewSchemaRegistry()
	require.NoError(t, r.Register(anyobject.Schema{Name: "cn", Type: anyobject.SchemaDerived, Expression: "firstname + ' ' + surname"}))

	obj := &anyobject.AnyObject{Name: "jdoe", PlainAttrs: map[string][]string{"firstname": {"John"}, "surname": {"Doe"}}}
	v, err := r.Derived("cn", obj)
	require.NoError(t, err)
	assert.Equal(t, []string{"John Doe"}, v)

	v, err = r.Derived("cn", &anyobject.AnyObject{})
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = r.Derived("missing", obj)
	assert.Error(t, err)
}

func TestSchemaRegistry_Unique(t *testing.T) {
	r := anyobject.NewSchemaRegistry()
	require.NoError(t, r.Register(anyobject.Schema{Name: "mail", Unique: true}))
	require.NoError(t, r.Register(anyobject.Schema{Name: "employeeId", Unique: true}))
	require.NoError(t, r.Register(anyobject.Schema{Name: "cn"}))
	assert.Equal(t, []string{"employeeId", "mail"}, r.Unique())
}
