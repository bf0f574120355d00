package relay

import (
	"time"
)

// lease is the exclusive-control state of one robot. Unowned is represented
// by an empty ownerClientID. All access goes through Robot methods under the
// record lock.
type lease struct {
	ownerClientID string
	ownerName     string
	acquiredAt    time.Time
	lastCommandAt time.Time
}

// view projects the lease for state frames and the HTTP surface.
func (l *lease) view() map[string]any {
	if l.ownerClientID == "" {
		return map[string]any{
			"ownerClientId": nil,
			"ownerName":     nil,
		}
	}
	return map[string]any{
		"ownerClientId": l.ownerClientID,
		"ownerName":     l.ownerName,
		"since":         l.acquiredAt.UnixMilli(),
	}
}

// LeaseOutcome classifies the result of a control request.
type LeaseOutcome int

const (
	// LeaseGranted means the lease was unowned and is now held by the
	// requester.
	LeaseGranted LeaseOutcome = iota
	// LeaseConfirmed means the requester already held the lease; only its
	// activity clock was refreshed.
	LeaseConfirmed
	// LeaseDenied means another client holds the lease.
	LeaseDenied
)

// RequestControl runs the request transition. On denial the current holder's
// name is returned. announce, when non-nil, runs under the record lock on a
// grant: the transition broadcast is enqueued before any telemetry frame can
// observe the new lease and emit a state frame carrying it.
func (r *Robot) RequestControl(clientID, clientName string, now time.Time, announce func()) (LeaseOutcome, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.lease.ownerClientID {
	case "":
		r.lease = lease{
			ownerClientID: clientID,
			ownerName:     clientName,
			acquiredAt:    now,
			lastCommandAt: now,
		}
		if announce != nil {
			announce()
		}
		return LeaseGranted, ""
	case clientID:
		r.lease.lastCommandAt = now
		return LeaseConfirmed, ""
	default:
		return LeaseDenied, r.lease.ownerName
	}
}

// ReleaseControl releases the lease if clientID is the holder. A release
// from anyone else is a silent no-op. announce runs under the record lock on
// a successful release.
func (r *Robot) ReleaseControl(clientID string, announce func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lease.ownerClientID == "" || r.lease.ownerClientID != clientID {
		return false
	}
	r.lease = lease{}
	if announce != nil {
		announce()
	}
	return true
}

// ForceControl takes the lease unconditionally and returns the previous
// owner's name ("" when it was unowned). announce runs under the record lock
// with that name.
func (r *Robot) ForceControl(clientID, clientName string, now time.Time, announce func(previousOwner string)) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.lease.ownerName
	r.lease = lease{
		ownerClientID: clientID,
		ownerName:     clientName,
		acquiredAt:    now,
		lastCommandAt: now,
	}
	if announce != nil {
		announce(prev)
	}
	return prev
}

// ReleaseIfOwner runs the owner-disconnect transition. It reports whether a
// lease held by clientID was released.
func (r *Robot) ReleaseIfOwner(clientID string, announce func()) bool {
	return r.ReleaseControl(clientID, announce)
}

// EvictIdleLease unowns the lease when the holder has sent no motion command
// for longer than timeout. Returns the evicted owner's name. announce runs
// under the record lock with that name.
func (r *Robot) EvictIdleLease(now time.Time, timeout time.Duration, announce func(previousOwner string)) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lease.ownerClientID == "" {
		return "", false
	}
	if now.Sub(r.lease.lastCommandAt) <= timeout {
		return "", false
	}
	prev := r.lease.ownerName
	r.lease = lease{}
	if announce != nil {
		announce(prev)
	}
	return prev, true
}

// TouchCommand refreshes the lease activity clock after an authorised motion
// command.
func (r *Robot) TouchCommand(now time.Time) {
	r.mu.Lock()
	if r.lease.ownerClientID != "" && now.After(r.lease.lastCommandAt) {
		r.lease.lastCommandAt = now
	}
	r.mu.Unlock()
}

// LeaseOwner returns the current holder's client id, or "".
func (r *Robot) LeaseOwner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease.ownerClientID
}

// ControlView returns the JSON-ready lease projection.
func (r *Robot) ControlView() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease.view()
}
