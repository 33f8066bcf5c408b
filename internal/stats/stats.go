// Package stats tracks live SOCKS5 sessions and cumulative counters, and
// serializes both into the JSON snapshot surface described in spec.md §6.
//
// The counters and the session map are deliberately eventually-consistent
// with each other (a snapshot may observe a session counted into
// handshake_success whose request is still nil): the only invariant held at
// every quiescent point is in_flight == len(sessions), modeled on
// internal/revocation/cache.go's reader-preferring mutex and
// internal/metrics/collector.go's snapshot-under-lock shape.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// RequestInfo is the (address, port) pair recorded against a session once its
// request frame has parsed. Kept independent of the socks5 package's Request
// type so this package has no import-cycle-forcing dependency on the wire
// codec — it only needs something JSON-serializable.
type RequestInfo struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

// Session is the live bookkeeping entry for one accepted connection.
type Session struct {
	Request       *RequestInfo
	SourceAddress string
	ID            uint64
	StartTime     time.Time
}

// PolicyHitSource supplies per-rule policy hit counts for inclusion in a
// snapshot. policy.Engine satisfies this directly; kept as a minimal
// interface here rather than an import so this package stays decoupled from
// how the policy is evaluated.
type PolicyHitSource interface {
	Hits() map[string]uint64
}

// Registry is the process-wide, concurrently-mutated store of counters plus
// the live-sessions map. Zero value is not usable; construct with New.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
	inFlight int64

	policySource PolicyHitSource

	handshakeFailed  atomic.Uint64
	handshakeSuccess atomic.Uint64
	handshakeTimeout atomic.Uint64
	sessionSuccess   atomic.Uint64
	sessionTimeout   atomic.Uint64
}

// New creates an empty registry with the session id allocator starting at 1.
func New() *Registry {
	return &Registry{sessions: make(map[uint64]*Session)}
}

// StartSession allocates a fresh, strictly-increasing session id, inserts a
// live Session entry for it, and increments in_flight. Safe for concurrent
// callers.
func (r *Registry) StartSession(peer string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.sessions[id] = &Session{
		ID:            id,
		SourceAddress: peer,
		StartTime:     time.Now(),
	}
	r.inFlight++
	return id
}

// FinishSession removes the session entry and decrements in_flight. A
// missing id is a no-op, so double-finish is safe.
func (r *Registry) FinishSession(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		r.inFlight--
	}
}

// SetRequest stores the parsed request against a still-live session. A
// missing id is a no-op (the session may have already finished).
func (r *Registry) SetRequest(id uint64, req RequestInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.Request = &req
	}
}

// BumpHandshakeFailed records a greeting that was rejected or unreadable.
func (r *Registry) BumpHandshakeFailed() { r.handshakeFailed.Add(1) }

// BumpHandshakeSuccess records a greeting that selected NO AUTH. Per the
// open question in spec.md §9, this also covers what the source tracked
// separately as "handshake_authenticated" — NO AUTH has no real
// authentication step to distinguish, so the two counters are collapsed.
func (r *Registry) BumpHandshakeSuccess() { r.handshakeSuccess.Add(1) }

// BumpHandshakeTimeout records a greeting phase that never completed.
func (r *Registry) BumpHandshakeTimeout() { r.handshakeTimeout.Add(1) }

// BumpSessionSuccess records a session that relayed to completion cleanly.
func (r *Registry) BumpSessionSuccess() { r.sessionSuccess.Add(1) }

// BumpSessionTimeout records a session dropped by the outer session deadline.
func (r *Registry) BumpSessionTimeout() { r.sessionTimeout.Add(1) }

// BindPolicySource attaches the policy engine whose per-rule hit counts are
// included in future snapshots under policy_hits. Call once during startup,
// before serving traffic.
func (r *Registry) BindPolicySource(src PolicyHitSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policySource = src
}

// startTimeView is the {ts, ago} object spec.md §6 requires per session.
type startTimeView struct {
	TS  float64 `json:"ts"`
	Ago float64 `json:"ago"`
}

// SessionView is the JSON-facing shape of a Session at snapshot time.
type SessionView struct {
	Request       *RequestInfo  `json:"request"`
	SourceAddress string        `json:"source_address"`
	StartTime     startTimeView `json:"start_time"`
}

func (s *Session) view(now time.Time) SessionView {
	return SessionView{
		SourceAddress: s.SourceAddress,
		Request:       s.Request,
		StartTime: startTimeView{
			TS:  float64(s.StartTime.UnixNano()) / float64(time.Second),
			Ago: now.Sub(s.StartTime).Seconds(),
		},
	}
}

// Snapshot is the full serializable view of the registry: counters plus a
// consistent copy of the live sessions, per the external interface in
// spec.md §6.
type Snapshot struct {
	Sessions         map[uint64]SessionView `json:"sessions"`
	PolicyHits       map[string]uint64      `json:"policy_hits"`
	HandshakeFailed  uint64                 `json:"handshake_failed"`
	HandshakeSuccess uint64                 `json:"handshake_success"`
	HandshakeTimeout uint64                 `json:"handshake_timeout"`
	SessionSuccess   uint64                 `json:"session_success"`
	SessionTimeout   uint64                 `json:"session_timeout"`
	InFlight         uint64                 `json:"in_flight"`
}

// Snapshot copies the live sessions under a read lease and serializes
// outside of it, so it never blocks writers for the duration of encoding.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	now := time.Now()
	sessions := make(map[uint64]SessionView, len(r.sessions))
	for id, s := range r.sessions {
		sessions[id] = s.view(now)
	}
	inFlight := r.inFlight
	policySource := r.policySource
	r.mu.RUnlock()

	var policyHits map[string]uint64
	if policySource != nil {
		policyHits = policySource.Hits()
	}

	return Snapshot{
		HandshakeFailed:  r.handshakeFailed.Load(),
		HandshakeSuccess: r.handshakeSuccess.Load(),
		HandshakeTimeout: r.handshakeTimeout.Load(),
		SessionSuccess:   r.sessionSuccess.Load(),
		SessionTimeout:   r.sessionTimeout.Load(),
		InFlight:         uint64(inFlight), //nolint:gosec // inFlight never goes negative by construction
		Sessions:         sessions,
		PolicyHits:       policyHits,
	}
}

// InFlight returns the current count without taking a full snapshot.
func (r *Registry) InFlight() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inFlight
}
