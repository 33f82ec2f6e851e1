package iterator

import (
	"github.com/miekg/dns"
)

// prependEntry is one record set accumulated while following a CNAME/DNAME
// chain. Entries form an append-only singly linked list consumed exactly once
// when the final answer is synthesized.
type prependEntry struct {
	rrs  []dns.RR
	next *prependEntry
}

// QueryState is the per-query mutable state of the machine. It is owned
// exclusively by the iterator for the lifetime of one logical resolution:
// allocated by NewQuery, destroyed by Clear.
type QueryState struct {
	q *Query

	state state
	// finalState is where this resolution lands when done. Client queries
	// and sub-resolutions alike finish in stateFinished; the field is what
	// final_state transitions through.
	finalState state

	// restartCount counts CNAME-driven restarts; bounded by the
	// environment at entry to the initial state.
	restartCount int
	// referralCount counts followed delegation referrals; bounded in
	// target selection.
	referralCount int

	numCurrentQueries int
	// numTargetQueries is -1 until target needs have been computed.
	numTargetQueries int

	dp *DelegationPoint
	// triedTargets marks server addresses already attempted against the
	// current delegation point. Reset whenever dp is replaced.
	triedTargets map[string]bool
	// fetchedTargets marks server names whose address lookup was already
	// launched, so later fetch batches only cover untried names. Reset
	// with triedTargets.
	fetchedTargets map[string]bool

	prependHead *prependEntry
	prependTail *prependEntry

	// The client's question and flags, preserved across restarts so the
	// final answer is always encoded against what was actually asked.
	origQName  string
	origQFlags uint16

	outlist outboundList

	// currentTarget is the handle whose response is being processed, set
	// by dispatch before entering a response state.
	currentTarget *Outbound

	// primingStub marks the window during which this resolution is driven
	// by an internal priming query rather than its own question.
	primingStub bool
	// primeAttempts counts hinted root addresses already tried for
	// priming, so a failed prime moves on to the next hint.
	primeAttempts int

	// ext is the externally visible result of the last handler run.
	ext ExtState
}

// NewQuery allocates the iterator state for q. Counters start at zero,
// numTargetQueries at its "not yet computed" sentinel, and the original
// question is captured before any restart can rewrite it.
func (it *Iterator) NewQuery(q *Query) *QueryState {
	iq := &QueryState{
		q:                q,
		state:            stateInitRequest,
		finalState:       stateFinished,
		numTargetQueries: -1,
		triedTargets:     make(map[string]bool),
		fetchedTargets:   make(map[string]bool),
		origQName:        q.Info.Name,
		origQFlags:       q.Flags,
	}
	return iq
}

// Clear releases everything the resolution still holds: every tracked
// outbound is cancelled so late replies are orphaned and dropped by the
// owner.
func (it *Iterator) Clear(iq *QueryState) {
	if iq == nil {
		return
	}
	iq.outlist.clear()
	iq.numCurrentQueries = 0
	iq.dp = nil
	iq.prependHead = nil
	iq.prependTail = nil
}

// appendPrepend adds fresh copies of rrs to the tail of the prepend list.
// Copying breaks any aliasing with cache-owned record storage.
func (iq *QueryState) appendPrepend(rrs []dns.RR) {
	if len(rrs) == 0 {
		return
	}
	cp := make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		cp = append(cp, dns.Copy(rr))
	}
	e := &prependEntry{rrs: cp}
	if iq.prependTail == nil {
		iq.prependHead = e
		iq.prependTail = e
		return
	}
	iq.prependTail.next = e
	iq.prependTail = e
}

// prependRecords flattens the prepend list, oldest entry first.
func (iq *QueryState) prependRecords() []dns.RR {
	var out []dns.RR
	for e := iq.prependHead; e != nil; e = e.next {
		out = append(out, e.rrs...)
	}
	return out
}

// setDelegation attaches a new delegation point and resets the per-point
// bookkeeping that only makes sense against the old one.
func (iq *QueryState) setDelegation(dp *DelegationPoint) {
	iq.dp = dp
	iq.triedTargets = make(map[string]bool)
	iq.fetchedTargets = make(map[string]bool)
	iq.numTargetQueries = -1
}

// nextTarget returns the first untried server address of the current
// delegation point.
func (iq *QueryState) nextTarget() (string, bool) {
	if iq.dp == nil {
		return "", false
	}
	for _, addr := range iq.dp.addresses() {
		if !iq.triedTargets[addr] {
			return addr, true
		}
	}
	return "", false
}
