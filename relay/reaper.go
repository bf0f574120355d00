package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"fordward_relay/protocol"
)

// Reaper runs the two periodic eviction sweeps: stale robot sessions and
// idle control leases.
type Reaper struct {
	registry *Registry
	hub      *Hub
	log      *zap.Logger

	robotTimeout time.Duration
	idleTimeout  time.Duration
	staleEvery   time.Duration
	idleEvery    time.Duration

	// test hook
	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper wires a reaper to the registry and hub.
func NewReaper(registry *Registry, hub *Hub, robotTimeout, idleTimeout, staleEvery, idleEvery time.Duration, log *zap.Logger) *Reaper {
	return &Reaper{
		registry:     registry,
		hub:          hub,
		log:          log,
		robotTimeout: robotTimeout,
		idleTimeout:  idleTimeout,
		staleEvery:   staleEvery,
		idleEvery:    idleEvery,
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
}

// Start launches both sweep loops.
func (p *Reaper) Start() {
	p.wg.Add(2)
	go p.loop(p.staleEvery, p.SweepStale)
	go p.loop(p.idleEvery, p.SweepIdleLeases)
}

// Stop halts the sweeps and waits for them to finish.
func (p *Reaper) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Reaper) loop(every time.Duration, sweep func()) {
	defer p.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// SweepStale evicts robots whose peer has sent nothing for robotTimeout:
// socket terminated, record removed (compare-and-remove, so a reconnect that
// raced the sweep survives), robot_offline broadcast to all operators.
func (p *Reaper) SweepStale() {
	now := p.now()
	for _, r := range p.registry.All() {
		if now.Sub(r.LastSeen()) <= p.robotTimeout {
			continue
		}
		r.CloseConn()
		if !p.registry.Remove(r.ID, r) {
			continue
		}
		p.log.Info("robot reaped",
			zap.String("robotId", r.ID),
			zap.Time("lastSeen", r.LastSeen()))
		p.hub.BroadcastAll(protocol.Event("robot_offline", r.ID, map[string]any{
			"robotId": r.ID,
			"reason":  "timeout",
		}))
	}
}

// SweepIdleLeases runs the idle-eviction transition on every robot whose
// lease holder has sent no motion command for controlIdleTimeout.
func (p *Reaper) SweepIdleLeases() {
	now := p.now()
	for _, r := range p.registry.All() {
		robotID := r.ID
		prevOwner, evicted := r.EvictIdleLease(now, p.idleTimeout, func(previousOwner string) {
			p.hub.BroadcastSubscribers(robotID, protocol.Event("control_released", robotID, map[string]any{
				"robotId":       robotID,
				"reason":        "idle_timeout",
				"previousOwner": previousOwner,
			}))
		})
		if !evicted {
			continue
		}
		p.log.Info("idle lease evicted",
			zap.String("robotId", r.ID),
			zap.String("previousOwner", prevOwner))
	}
}
