package iterator

import (
	"time"

	"github.com/miekg/dns"

	"github.com/lc/recurse/internal/dnsmsg"
	"github.com/lc/recurse/internal/log"
)

// origQuestion restores the client's original question, undoing any working
// name rewrites from restarts.
func (iq *QueryState) origQuestion() dnsmsg.QueryInfo {
	qinf := iq.q.Info
	if iq.origQName != "" {
		qinf.Name = iq.origQName
	}
	return qinf
}

// advertisedEdns builds the outgoing EDNS parameters: our advertised version
// and buffer size, with only the DO bit carried over from the request.
func advertisedEdns(req dnsmsg.EdnsInfo) dnsmsg.EdnsInfo {
	return dnsmsg.EdnsInfo{
		Present: req.Present,
		Version: dnsmsg.AdvertisedVersion,
		UDPSize: dnsmsg.AdvertisedUDPSize,
		Do:      req.Do,
	}
}

// errorResponse synthesizes an rcode-only answer into the output buffer and
// transitions to the final state. Loop-bound violations and exhausted server
// lists end here: a deliberate error answer, not a failure.
func (it *Iterator) errorResponse(iq *QueryState, rcode int) bool {
	log.Debugf("iterator: error response %s for %s", dns.RcodeToString[rcode], iq.origQuestion())
	iq.q.Answer = dnsmsg.ErrorAnswer(iq.origQuestion(), iq.origQFlags, rcode)
	return it.finalState(iq)
}

// encodeRespMsg writes the final answer for msg into the output buffer,
// splicing the accumulated prepend list ahead of the message's own answer
// records and encoding against the original client question and flags. An
// encoding failure downgrades the response to SERVFAIL; it is never left
// unanswered.
func (it *Iterator) encodeRespMsg(iq *QueryState, msg *dns.Msg) {
	qinf := iq.origQuestion()
	reply := msg
	if iq.prependHead != nil {
		reply = spliceAnswer(iq.prependRecords(), msg)
	}
	buf, err := dnsmsg.EncodeAnswer(qinf, reply, iq.origQFlags, advertisedEdns(iq.q.Edns), time.Now())
	if err != nil {
		log.Warnf("iterator: encoding answer for %s: %v", qinf, err)
		iq.q.Answer = dnsmsg.ErrorAnswer(qinf, iq.origQFlags, dns.RcodeServerFailure)
		return
	}
	iq.q.Answer = buf
}

// spliceAnswer builds a new message whose answer section holds the prepended
// records followed by msg's own answer sets. Prepends always precede the
// authority's records so a CNAME chain reads top-down. msg itself is left
// untouched.
func spliceAnswer(prepends []dns.RR, msg *dns.Msg) *dns.Msg {
	out := msg.Copy()
	ans := make([]dns.RR, 0, len(prepends)+len(out.Answer))
	ans = append(ans, prepends...)
	ans = append(ans, out.Answer...)
	out.Answer = ans
	return out
}
