package connector_test

import (
	"context"
	"testing"

	"f0oster/idsync/connector"
	"f0oster/idsync/connector/memory"
	"f0oster/idsync/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RebuildsOnConfigChange(t *testing.T) {
	ctx := context.Background()
	m := connector.NewManager(logging.Nop())

	var changed []string
	m.OnChange(func(resource string) { changed = append(changed, resource) })

	cfg := connector.Config{Type: memory.Type, Properties: map[string]string{"instance": "mgr-a"}}
	a1, err := m.Get(ctx, "ldap", cfg)
	require.NoError(t, err)
	a2, err := m.Get(ctx, "ldap", cfg)
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.Empty(t, changed)

	cfg.Properties = map[string]string{"instance": "mgr-b"}
	a3, err := m.Get(ctx, "ldap", cfg)
	require.NoError(t, err)
	assert.NotSame(t, a1, a3)
	assert.Equal(t, []string{"ldap"}, changed)

	require.NoError(t, m.Drop("ldap"))
	assert.Equal(t, []string{"ldap", "ldap"}, changed)
}

func TestManager_UnknownType(t *testing.T) {
	m := connector.NewManager(logging.Nop())
	_, err := m.Get(context.Background(), "x", connector.Config{Type: "nope"})
	assert.Error(t, err)
}

func TestCapabilities_Has(t *testing.T) {
	caps := connector.Capabilities{connector.CapSearch, connector.CapSync}
	assert.True(t, caps.Has(connector.CapSync))
	assert.False(t, caps.Has(connector.CapCreate))
}
