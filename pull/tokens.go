package pull

import (
	"context"
	"strings"
	"sync"

	"f0oster/idsync/connector"
)

// TokenStore keeps the incremental sync position per resource and object
// class. An unknown position is the empty token.
type TokenStore interface {
	GetToken(ctx context.Context, resource string, oc connector.ObjectClass) (string, error)
	PutToken(ctx context.Context, resource string, oc connector.ObjectClass, token string) error
}

type MemoryTokens struct {
	mu     sync.Mutex
	tokens map[string]string
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{tokens: make(map[string]string)}
}

func tokenKey(resource string, oc connector.ObjectClass) string {
	return strings.ToLower(resource) + "/" + string(oc)
}

func (t *MemoryTokens) GetToken(_ context.Context, resource string, oc connector.ObjectClass) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokens[tokenKey(resource, oc)], nil
}

func (t *MemoryTokens) PutToken(_ context.Context, resource string, oc connector.ObjectClass, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[tokenKey(resource, oc)] = token
	return nil
}
