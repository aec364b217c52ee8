package realtime

import (
	"sort"
	"sync"
	"time"
)

// Connection is one live WebSocket session's registry entry.
type Connection struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	ProfileID   string    `json:"profile_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Directory tracks live connections for introspection and diagnostics.
// It plays no part in event routing; the bus owns that entirely.
type Directory struct {
	mu    sync.RWMutex
	conns map[string]Connection
}

func NewDirectory() *Directory {
	return &Directory{conns: make(map[string]Connection)}
}

// Register records a connection. Registering an existing id overwrites it.
func (d *Directory) Register(id, userID, profileID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[id] = Connection{
		ID:          id,
		UserID:      userID,
		ProfileID:   profileID,
		ConnectedAt: time.Now().UTC(),
	}
}

// Deregister drops a connection. Unknown ids are a no-op.
func (d *Directory) Deregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, id)
}

// Count reports how many connections are live.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// ConnectionsForUser lists the connection ids registered for a user,
// sorted for stable output.
func (d *Directory) ConnectionsForUser(userID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	for id, c := range d.conns {
		if c.UserID == userID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
