package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// lockTable is the facade's record of locks it currently holds: key to
// the token it was granted on acquisition. The token lives with the
// acquirer, never with the provider alone, so Unlock can always tell a
// stale/foreign lock apart from its own.
type lockTable struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newLockTable() *lockTable {
	return &lockTable{tokens: make(map[string]string)}
}

func (t *lockTable) store(key, token string) {
	t.mu.Lock()
	t.tokens[key] = token
	t.mu.Unlock()
}

func (t *lockTable) lookup(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	token, ok := t.tokens[key]
	return token, ok
}

func (t *lockTable) clear(key string) {
	t.mu.Lock()
	delete(t.tokens, key)
	t.mu.Unlock()
}

// newLockToken generates a lock:<unixMilli>:<random> token whose random
// component is a UUID from github.com/google/uuid.
func newLockToken() string {
	return fmt.Sprintf("lock:%d:%s", time.Now().UnixMilli(), uuid.NewString())
}
