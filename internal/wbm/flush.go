package wbm

import (
	"github.com/google/uuid"

	"github.com/hyperlsm/engine/internal/logging"
)

// RegisterFlushInitiator adds cb to the round-robin registry and returns
// an opaque owner id the caller uses to deregister later (spec.md §4.2,
// §6 register_flush_initiator).
func (m *WriteBufferManager) RegisterFlushInitiator(cb FlushInitiatorFunc) OwnerID {
	owner := uuid.New()

	m.initMu.Lock()
	m.initiators = append(m.initiators, initiatorEntry{owner: owner, cb: cb})
	m.initMu.Unlock()

	return owner
}

// DeregisterFlushInitiator removes the initiator registered under owner.
// If the removal shifts the round-robin cursor past the end of the
// slice, the cursor clamps back to 0 rather than skipping an entry
// (spec.md §4.2 Design Notes).
func (m *WriteBufferManager) DeregisterFlushInitiator(owner OwnerID) {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	for i, e := range m.initiators {
		if e.owner == owner {
			m.initiators = append(m.initiators[:i], m.initiators[i+1:]...)
			break
		}
	}
	if m.nextCandidate >= len(m.initiators) {
		m.nextCandidate = 0
	}
}

// FlushStarted records that a flush is now running, whether or not the
// WBM itself initiated it (spec.md §6 flush_started). It only
// increments the running count; for a WBM-initiated flush the pending
// count is decremented by the initiation drain once the initiator
// callback has accepted the work.
func (m *WriteBufferManager) FlushStarted(wbmInitiated bool) {
	m.numRunningFlushes.Add(1)
}

// FlushEnded records that a flush completed, freeing a slot for the next
// one to be desired (spec.md §6 flush_ended).
func (m *WriteBufferManager) FlushEnded(wbmInitiated bool) {
	m.numRunningFlushes.Add(-1)
	m.reevaluateFlushDesire()
}

// reevaluateFlushDesire implements spec.md §4.2's flush-initiation
// predicate: a new flush is desired when used minus being-freed bytes
// is at least step × FlushDesireStepFraction (default 0.5) and used has
// crossed the additional-flush-initiation threshold; it is allowed when
// fewer than
// MaxParallelFlushes flushes are running or already pending. When both
// hold, num_flushes_to_initiate increments and the initiation thread is
// woken.
func (m *WriteBufferManager) reevaluateFlushDesire() {
	if m.disabled() || !m.opts.FlushInitiationEnabled {
		return
	}

	used := m.used.Load()
	beingFreed := m.beingFreed.Load()
	additional := used - beingFreed
	if beingFreed > used {
		additional = 0
	}

	step := m.flushStep.Load()
	desired := additional >= uint64(float64(step)*m.opts.FlushDesireStepFraction) &&
		used >= m.additionalFlushInitSize.Load()
	if !desired {
		return
	}

	running := m.numRunningFlushes.Load()
	pending := m.numFlushesToInitiate.Load()
	allowed := int(running+pending) < m.opts.MaxParallelFlushes
	if !allowed {
		return
	}

	m.numFlushesToInitiate.Add(1)
	m.wakeInitiationThread()
}

func (m *WriteBufferManager) wakeInitiationThread() {
	m.initCondMu.Lock()
	m.wakePending = true
	m.initCondMu.Unlock()
	m.initCond.Signal()
}

// initiationThreadLoop is the cooperative background thread that drains
// num_flushes_to_initiate by calling registered initiators in
// round-robin order (spec.md §4.2 "Initiation thread").
func (m *WriteBufferManager) initiationThreadLoop() {
	defer m.wg.Done()

	for {
		m.initCondMu.Lock()
		for !m.wakePending && !m.stopping {
			m.initCond.Wait()
		}
		stopping := m.stopping
		m.wakePending = false
		m.initCondMu.Unlock()

		if stopping {
			return
		}

		m.drainPendingFlushes()
	}
}

// drainPendingFlushes walks num_flushes_to_initiate down by calling
// initiators starting at next_candidate_initiator_idx. A callback that
// declines advances the cursor to the next initiator; after a full
// cycle with no acceptance, the pending count is left untouched and the
// thread goes back to sleep (spec.md §4.2).
func (m *WriteBufferManager) drainPendingFlushes() {
	for m.numFlushesToInitiate.Load() > 0 {
		minSize := m.flushMin.Load()

		m.initMu.Lock()
		n := len(m.initiators)
		if n == 0 {
			m.initMu.Unlock()
			return
		}
		start := m.nextCandidate
		m.initMu.Unlock()

		accepted := false
		for i := 0; i < n; i++ {
			m.initMu.Lock()
			if len(m.initiators) == 0 {
				m.initMu.Unlock()
				return
			}
			idx := (start + i) % len(m.initiators)
			entry := m.initiators[idx]
			m.initMu.Unlock()

			ok := entry.cb(minSize)

			m.initMu.Lock()
			if len(m.initiators) > 0 {
				m.nextCandidate = (idx + 1) % len(m.initiators)
			}
			m.initMu.Unlock()

			outcome := "declined"
			if ok {
				outcome = "accepted"
			}
			if m.reg != nil {
				m.reg.WBMFlushCallbacksTotal.WithLabelValues(outcome).Inc()
			}

			if ok {
				accepted = true
				break
			}
		}

		if !accepted {
			m.log.Debug("flush initiation cycle found no acceptor", logging.Count(n))
			return
		}

		m.numFlushesToInitiate.Add(-1)
		if m.reg != nil {
			m.reg.WBMFlushesInitiatedTotal.Inc()
		}
	}
}
