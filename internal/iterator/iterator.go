package iterator

import (
	"strings"

	"github.com/miekg/dns"

	"github.com/lc/recurse/internal/dnsmsg"
	"github.com/lc/recurse/internal/log"
)

// Iterator drives the resolution state machine. One instance serves every
// resolution of a resolver process; all per-query mutable state lives in the
// QueryState handed out by NewQuery.
type Iterator struct {
	env  *Env
	deps Deps
}

// New builds an iterator bound to its environment and collaborators.
func New(env *Env, deps Deps) *Iterator {
	return &Iterator{env: env, deps: deps}
}

// Operate is the single dispatch entry point. It runs the resolution until it
// suspends on an external event or reaches a terminal state, and returns what
// the resolution now waits for. For EventReply the owner must have set
// q.Reply; for timeouts and errors it must be nil. ob identifies the outbound
// attempt the event belongs to (nil for EventNew).
func (it *Iterator) Operate(iq *QueryState, ev Event, ob *Outbound) ExtState {
	log.Debugf("iterator operate: state:%s event:%s", iq.state, ev)
	if it.env.Forwarding() {
		return it.performForward(iq, ev, ob)
	}
	switch ev {
	case EventNew:
		return it.processRequest(iq)
	case EventReply, EventTimeout, EventError:
		return it.processResponse(iq, ev, ob)
	}
	log.Errorf("iterator: bad event %d", ev)
	return ExtError
}

// processRequest is the entry for new request events. External requests start
// in the INIT state and finish in the FINISHED state.
func (it *Iterator) processRequest(iq *QueryState) ExtState {
	iq.state = stateInitRequest
	iq.finalState = stateFinished
	return it.handle(iq)
}

// processResponse routes a reply, timeout, or error to the response state
// matching what the outbound handle was waiting for, then resumes the loop.
func (it *Iterator) processResponse(iq *QueryState, ev Event, ob *Outbound) ExtState {
	if ob == nil {
		log.Warn("iterator: response event without an outbound handle")
		return ExtError
	}
	switch ob.Kind {
	case KindQuery, KindPrime:
		if !iq.outlist.remove(ob.ID) {
			log.Warnf("iterator: event for untracked outbound %s", ob.ID)
			return ExtError
		}
		if ob.Kind == KindQuery {
			iq.state = stateQueryResp
		} else {
			iq.state = statePrimeResp
		}
	case KindTarget:
		// Target lookups are sub-resolutions mediated by the owner, not
		// network sends of this resolution, so they are not in the list.
		iq.state = stateTargetResp
	default:
		log.Errorf("iterator: unknown outbound kind %d", ob.Kind)
		return ExtError
	}
	if ev != EventReply && iq.q.Reply != nil {
		iq.q.Reply = nil
	}
	iq.currentTarget = ob
	ext := it.handle(iq)
	iq.currentTarget = nil
	iq.q.Reply = nil
	return ext
}

// handle is the state machine driver: invoke the handler for the current
// state until one returns false, meaning the resolution suspended or reached
// a terminal state.
func (it *Iterator) handle(iq *QueryState) ExtState {
	cont := true
	for cont {
		log.Debugf("iter handle: processing %q with %s", iq.q.Info.Name, iq.state)
		switch iq.state {
		case stateInitRequest:
			cont = it.processInitRequest(iq)
		case stateInitRequest2:
			cont = it.processInitRequest2(iq)
		case stateInitRequest3:
			cont = it.processInitRequest3(iq)
		case stateQueryTargets:
			cont = it.processQueryTargets(iq)
		case stateQueryResp:
			cont = it.processQueryResponse(iq)
		case statePrimeResp:
			cont = it.processPrimeResponse(iq)
		case stateTargetResp:
			cont = it.processTargetResponse(iq)
		case stateFinished:
			cont = it.processFinished(iq)
		default:
			log.Warnf("iterator: invalid state: %d", iq.state)
			iq.ext = ExtError
			cont = false
		}
	}
	return iq.ext
}

// nextState advances the resolution. Transitioning into a response state
// without a response is a logic error: it is reported and the query fails,
// but the process carries on.
func (it *Iterator) nextState(iq *QueryState, next state) bool {
	if next.isResponseState() && next != stateFinished && iq.q.Reply == nil {
		log.Errorf("iterator: transitioning to %s without a response", next)
		return it.errorResponse(iq, dns.RcodeServerFailure)
	}
	iq.state = next
	return true
}

// finalState transitions to the state this resolution was created to finish
// in.
func (it *Iterator) finalState(iq *QueryState) bool {
	return it.nextState(iq, iq.finalState)
}

// processInitRequest handles the initial part of request processing: find the
// answer in cache, or find the best servers to ask. All requests start here
// and every query restart revisits it.
func (it *Iterator) processInitRequest(iq *QueryState) bool {
	q := iq.q
	log.Debugf("resolving %s", q.Info)

	// A maximum number of query restarts caps CNAME chain length and
	// breaks CNAME loops.
	if iq.restartCount > it.env.maxRestarts {
		log.Infof("iterator: %s exceeded the maximum number of query restarts (%d)",
			iq.origQuestion(), iq.restartCount)
		return it.errorResponse(iq, dns.RcodeServerFailure)
	}

	// A maximum dependency depth. Catches dependency loops, and bounds the
	// total work spent on one client query regardless of loop shape.
	if q.Depth > it.env.maxDepth {
		log.Infof("iterator: %s exceeded the maximum dependency depth (%d)",
			iq.origQuestion(), q.Depth)
		return it.errorResponse(iq, dns.RcodeServerFailure)
	}

	// Step 1: look for the answer in local data. Either a query restart
	// (cached CNAME chain), a terminating response, or a cache miss.
	if msg := it.deps.Msgs.Lookup(q.Info.Name, q.Info.Type, q.Info.Class, q.Info.CheckingDisabled); msg != nil {
		final, answered, chain := followChain(msg, q.Info.Name, q.Info.Type)
		if !answered && len(chain) > 0 && !equalName(final, q.Info.Name) {
			log.Debugf("iterator: cached cname chain, restarting at %s", final)
			iq.appendPrepend(chain)
			q.Info.Name = final
			// A cached chain still counts as a query restart.
			iq.restartCount++
			return it.nextState(iq, stateInitRequest)
		}
		log.Debug("iterator: returning answer from cache")
		it.encodeRespMsg(iq, msg)
		return it.finalState(iq)
	}

	// Step 2: find the best servers to ask. For DS queries look for servers
	// for the parent of qname, so a zone is never asked about its own DS
	// record (the grandparent problem). The root label is not adjusted.
	delname := q.Info.Name
	if q.Info.Type == dns.TypeDS && !equalName(delname, ".") {
		delname = parentName(delname)
	}

	dp := it.deps.Delegations.Delegation(delname, q.Info.Class)
	if dp == nil {
		// No servers are known at all for this class: a root priming
		// situation. Processing stops until the priming result
		// re-enters this state with a populated cache.
		if !it.primeRoot(iq) {
			return it.errorResponse(iq, dns.RcodeServerFailure)
		}
		iq.ext = ExtWaitReply
		return false
	}

	iq.setDelegation(dp)
	return it.nextState(iq, stateInitRequest2)
}

// primeRoot issues the subordinate priming query for the query's class to
// the next hinted root server this resolution has not tried yet.
func (it *Iterator) primeRoot(iq *QueryState) bool {
	addrs := it.env.hints.Addresses()
	for iq.primeAttempts < len(addrs) {
		addr := addrs[iq.primeAttempts]
		iq.primeAttempts++
		ob, err := it.deps.Send.Send(SendSpec{
			QueryID: iq.q.ID,
			Name:    ".",
			Type:    dns.TypeNS,
			Class:   iq.q.Info.Class,
			Dnssec:  true,
			Server:  addr,
			Kind:    KindPrime,
		})
		if err != nil {
			log.Warnf("iterator: priming send to %s failed: %v", addr, err)
			continue
		}
		iq.outlist.insert(ob)
		iq.numCurrentQueries++
		iq.primingStub = true
		log.Debugf("iterator: priming roots via %s", addr)
		return true
	}
	log.Warn("iterator: no hinted root server accepted the priming query")
	return false
}

// processInitRequest2 adjusts the working question for the iteration phase:
// the name is canonicalized once so every later comparison against cut names
// and referral owners is exact.
func (it *Iterator) processInitRequest2(iq *QueryState) bool {
	iq.q.Info.Name = canonicalName(iq.q.Info.Name)
	return it.nextState(iq, stateInitRequest3)
}

// processInitRequest3 verifies the delegation point attached by the first
// phase and hands over to target selection.
func (it *Iterator) processInitRequest3(iq *QueryState) bool {
	if iq.dp == nil {
		log.Error("iterator: entering target selection without a delegation point")
		return it.errorResponse(iq, dns.RcodeServerFailure)
	}
	log.Debugf("iterator: delegation %q with %d servers (%d without addresses)",
		iq.dp.Zone, len(iq.dp.Servers), len(iq.dp.missingTargets()))
	return it.nextState(iq, stateQueryTargets)
}

// processQueryTargets chooses the next server of the delegation point and
// sends the query, or arranges for nameserver addresses to be fetched when
// none are usable.
func (it *Iterator) processQueryTargets(iq *QueryState) bool {
	if iq.referralCount > it.env.maxReferrals {
		log.Infof("iterator: %s exceeded the maximum number of referrals (%d)",
			iq.origQuestion(), iq.referralCount)
		return it.errorResponse(iq, dns.RcodeServerFailure)
	}
	if iq.dp == nil {
		log.Error("iterator: no delegation point in target selection")
		return it.errorResponse(iq, dns.RcodeServerFailure)
	}

	addr, ok := iq.nextTarget()
	if !ok {
		return it.fetchTargets(iq)
	}
	iq.triedTargets[addr] = true

	ob, err := it.deps.Send.Send(SendSpec{
		QueryID:          iq.q.ID,
		Name:             iq.q.Info.Name,
		Type:             iq.q.Info.Type,
		Class:            iq.q.Info.Class,
		CheckingDisabled: iq.q.Info.CheckingDisabled,
		Dnssec:           true,
		Server:           addr,
		Kind:             KindQuery,
	})
	if err != nil {
		log.Warnf("iterator: send to %s failed: %v", addr, err)
		// Stay in this state and pick the next server.
		return it.nextState(iq, stateQueryTargets)
	}
	iq.outlist.insert(ob)
	iq.numCurrentQueries++
	log.Debugf("iterator: sent %s to %s", iq.q.Info, addr)
	iq.ext = ExtWaitReply
	return false
}

// fetchTargets is the no-usable-address arm of target selection: wait for
// whatever is still in flight, launch address lookups for servers known only
// by name, or give up when nothing can produce another target.
func (it *Iterator) fetchTargets(iq *QueryState) bool {
	if iq.numTargetQueries > 0 {
		iq.ext = ExtWaitSubquery
		return false
	}
	if iq.numCurrentQueries > 0 {
		iq.ext = ExtWaitReply
		return false
	}

	var candidates []string
	for _, name := range iq.dp.missingTargets() {
		if !iq.fetchedTargets[name] {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 || it.env.targetFetch == 0 || it.deps.Subquery == nil {
		log.Infof("iterator: out of query targets for %s", iq.q.Info)
		return it.errorResponse(iq, dns.RcodeServerFailure)
	}

	launched := 0
	for _, name := range candidates {
		if launched >= it.env.targetFetch {
			break
		}
		iq.fetchedTargets[name] = true
		qinf := dnsmsg.QueryInfo{Name: name, Type: dns.TypeA, Class: iq.q.Info.Class}
		if err := it.deps.Subquery.Subquery(iq.q.ID, qinf, iq.q.Depth+1); err != nil {
			log.Warnf("iterator: target lookup for %s failed to start: %v", name, err)
			continue
		}
		launched++
	}
	if launched == 0 {
		return it.errorResponse(iq, dns.RcodeServerFailure)
	}
	iq.numTargetQueries = launched
	log.Debugf("iterator: fetching %d nameserver addresses for %q", launched, iq.dp.Zone)
	iq.ext = ExtWaitSubquery
	return false
}

// processQueryResponse interprets an authoritative reply: a terminating
// answer, a referral to a child zone, a CNAME that restarts the query, or a
// throwaway that moves on to the next server. A nil reply is a timed-out or
// failed attempt and counts as a throwaway.
func (it *Iterator) processQueryResponse(iq *QueryState) bool {
	if iq.numCurrentQueries > 0 {
		iq.numCurrentQueries--
	}
	resp := iq.q.Reply
	if resp == nil {
		log.Debugf("iterator: upstream attempt failed for %s", iq.q.Info)
		return it.nextState(iq, stateQueryTargets)
	}

	rt := classifyResponse(resp, iq.q.Info.Name, iq.q.Info.Type, iq.dp)
	log.Debugf("iterator: response for %s classified as %s", iq.q.Info, rt)
	switch rt {
	case respAnswer:
		it.deps.Msgs.Store(iq.q.Info, resp)
		it.encodeRespMsg(iq, resp)
		return it.finalState(iq)

	case respReferral:
		iq.referralCount++
		it.deps.Delegations.StoreNS(resp)
		ndp := delegationFromReply(resp, SourceReferral)
		if ndp == nil {
			return it.nextState(iq, stateQueryTargets)
		}
		log.Debugf("iterator: referral to %q", ndp.Zone)
		iq.setDelegation(ndp)
		return it.nextState(iq, stateQueryTargets)

	case respCNAME:
		it.deps.Msgs.Store(iq.q.Info, resp)
		it.handleCNAMEResponse(iq, resp)
		// A restart: drop everything aimed at the old name.
		iq.restartCount++
		iq.outlist.clear()
		iq.numCurrentQueries = 0
		iq.dp = nil
		return it.nextState(iq, stateInitRequest)

	default:
		return it.nextState(iq, stateQueryTargets)
	}
}

// handleCNAMEResponse follows the CNAME/DNAME chain in resp, accumulating the
// traversed record sets on the prepend list and rewriting the working name to
// the chain's final target.
func (it *Iterator) handleCNAMEResponse(iq *QueryState, resp *dns.Msg) {
	final, _, chain := followChain(resp, iq.q.Info.Name, iq.q.Info.Type)
	iq.appendPrepend(chain)
	log.Debugf("iterator: following cname chain %s -> %s", iq.q.Info.Name, final)
	iq.q.Info.Name = canonicalName(final)
}

// processPrimeResponse consumes the result of a root priming query. Success
// populates both caches and re-enters the initial state; a failed attempt
// moves on to the next hinted root, and only once every hint has been tried
// is the resolution failed, since nothing below the root can be found
// either.
func (it *Iterator) processPrimeResponse(iq *QueryState) bool {
	if iq.numCurrentQueries > 0 {
		iq.numCurrentQueries--
	}
	iq.primingStub = false

	resp := iq.q.Reply
	if resp == nil || resp.Rcode != dns.RcodeSuccess {
		log.Warnf("iterator: root priming failed for %s", iq.origQuestion())
		return it.retryPrime(iq)
	}
	dp := delegationFromReply(resp, SourcePriming)
	if dp == nil {
		log.Warn("iterator: priming response carries no NS records")
		return it.retryPrime(iq)
	}
	it.deps.Delegations.StoreNS(resp)
	it.deps.Msgs.Store(dnsmsg.QueryInfo{Name: ".", Type: dns.TypeNS, Class: iq.q.Info.Class}, resp)
	log.Debugf("iterator: primed %d root servers", len(dp.Servers))
	return it.nextState(iq, stateInitRequest)
}

// retryPrime sends the priming query to the next untried hint, failing the
// resolution when none remain.
func (it *Iterator) retryPrime(iq *QueryState) bool {
	if !it.primeRoot(iq) {
		return it.errorResponse(iq, dns.RcodeServerFailure)
	}
	iq.ext = ExtWaitReply
	return false
}

// processTargetResponse folds the result of a nameserver address lookup into
// a fresh delegation point and resumes target selection. A failed lookup
// just means one fewer candidate.
func (it *Iterator) processTargetResponse(iq *QueryState) bool {
	if iq.numTargetQueries > 0 {
		iq.numTargetQueries--
	}
	resp := iq.q.Reply
	ob := iq.currentTarget
	if resp == nil || ob == nil {
		log.Debug("iterator: nameserver address lookup failed")
		return it.nextState(iq, stateQueryTargets)
	}
	addrs := addressesFromAnswer(resp)
	if len(addrs) > 0 && iq.dp != nil {
		iq.dp = iq.dp.withAddrs(ob.Name, addrs)
		log.Debugf("iterator: learned %d addresses for %s", len(addrs), ob.Name)
	}
	return it.nextState(iq, stateQueryTargets)
}

// processFinished is terminal: the answer was already encoded into the output
// buffer by whoever transitioned here.
func (it *Iterator) processFinished(iq *QueryState) bool {
	if len(iq.q.Answer) == 0 {
		log.Error("iterator: finished without an answer in the buffer")
		iq.q.Answer = dnsmsg.ErrorAnswer(iq.origQuestion(), iq.origQFlags, dns.RcodeServerFailure)
	}
	iq.ext = ExtFinished
	return false
}

// addressesFromAnswer collects the A/AAAA addresses in a reply's answer
// section.
func addressesFromAnswer(msg *dns.Msg) []string {
	var out []string
	for _, rr := range msg.Answer {
		switch t := rr.(type) {
		case *dns.A:
			out = append(out, t.A.String())
		case *dns.AAAA:
			out = append(out, t.AAAA.String())
		}
	}
	return out
}

// canonicalName lowercases and fully qualifies a domain name.
func canonicalName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}
