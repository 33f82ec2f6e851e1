package iterator

import (
	"time"

	"github.com/lc/recurse/internal/dnsmsg"
	"github.com/lc/recurse/internal/log"
)

// performForward relays the client query verbatim to the configured upstream,
// bypassing the state machine entirely. There is no retry here: a timeout or
// error fails the resolution, and retry policy belongs to the transport.
func (it *Iterator) performForward(iq *QueryState, ev Event, ob *Outbound) ExtState {
	log.Debugf("iterator: forwarding %s", iq.q.Info)
	if ev == EventNew {
		if !it.forwardNew(iq) {
			return ExtError
		}
		return ExtWaitReply
	}
	// It must be a query reply.
	if ob == nil || !iq.outlist.remove(ob.ID) {
		log.Warn("iterator: forwarded reply was not serviced")
		return ExtError
	}
	if ev == EventTimeout || ev == EventError {
		return ExtError
	}
	if ev == EventReply {
		defer func() { iq.q.Reply = nil }()
		if !it.forwardReply(iq) {
			return ExtError
		}
		return ExtFinished
	}
	log.Errorf("iterator: bad event for forwarder: %d", ev)
	return ExtError
}

// forwardNew sends the single upstream query for a forwarded resolution.
// Flags are minimal: opcode query, the client's CD bit, and DNSSEC records
// always requested.
func (it *Iterator) forwardNew(iq *QueryState) bool {
	ob, err := it.deps.Send.Send(SendSpec{
		QueryID:          iq.q.ID,
		Name:             iq.q.Info.Name,
		Type:             iq.q.Info.Type,
		Class:            iq.q.Info.Class,
		CheckingDisabled: iq.q.Info.CheckingDisabled,
		Dnssec:           true,
		Server:           it.env.forward,
		Kind:             KindQuery,
	})
	if err != nil {
		log.Warnf("iterator: forward send to %s failed: %v", it.env.forward, err)
		return false
	}
	iq.outlist.insert(ob)
	return true
}

// forwardReply re-encodes the upstream reply with our advertised EDNS
// parameters, stores it in the message cache, and completes the resolution.
func (it *Iterator) forwardReply(iq *QueryState) bool {
	resp := iq.q.Reply
	if resp == nil {
		return false
	}
	buf, err := dnsmsg.EncodeAnswer(iq.q.Info, resp, iq.origQFlags, advertisedEdns(iq.q.Edns), time.Now())
	if err != nil {
		log.Warnf("iterator: encoding forwarded reply for %s: %v", iq.q.Info, err)
		return false
	}
	iq.q.Answer = buf
	it.deps.Msgs.Store(iq.q.Info, resp)
	return true
}
