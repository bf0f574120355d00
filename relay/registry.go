package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Registry maps robot ids to their session records. It is the only shared
// robot state in the process; all mutation is serialised by its lock.
type Registry struct {
	mu     sync.RWMutex
	robots map[string]*Robot
	log    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		robots: make(map[string]*Robot),
		log:    log,
	}
}

// Upsert registers a robot, replacing any previous record for the same id.
// The prior record's socket is terminated before the new record becomes
// visible, so at most one live record exists per id at any time. Both the
// replaced record (if any) and the new one are returned.
func (g *Registry) Upsert(id, version string, capabilities []string, conn *websocket.Conn, now time.Time) (prev, cur *Robot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev = g.robots[id]
	if prev != nil {
		// A repeated hello on the same socket is a refresh, not a takeover;
		// closing would kill the live session.
		if prev.conn != conn {
			prev.CloseConn()
			g.log.Info("robot superseded by reconnect", zap.String("robotId", id))
		}
	}
	cur = NewRobot(id, version, capabilities, conn, now, g.log)
	g.robots[id] = cur
	return prev, cur
}

// Get returns the record for a robot id.
func (g *Registry) Get(id string) (*Robot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.robots[id]
	return r, ok
}

// Remove deletes the entry for id only if it still holds rec. A session or
// reaper holding a stale record cannot evict a robot that has since
// reconnected.
func (g *Registry) Remove(id string, rec *Robot) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.robots[id] != rec {
		return false
	}
	delete(g.robots, id)
	return true
}

// All returns the current set of records.
func (g *Registry) All() []*Robot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Robot, 0, len(g.robots))
	for _, r := range g.robots {
		out = append(out, r)
	}
	return out
}

// Count returns the number of registered robots.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.robots)
}

// Snapshot returns point-in-time projections of every robot, built without
// holding the registry lock during serialisation.
func (g *Registry) Snapshot() []map[string]any {
	robots := g.All()
	out := make([]map[string]any, 0, len(robots))
	for _, r := range robots {
		out = append(out, r.Projection())
	}
	return out
}

// Summaries returns the short listing used by GET /.
func (g *Registry) Summaries() []map[string]any {
	robots := g.All()
	out := make([]map[string]any, 0, len(robots))
	for _, r := range robots {
		out = append(out, r.Summary())
	}
	return out
}
