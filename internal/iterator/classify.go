package iterator

import (
	"strings"

	"github.com/miekg/dns"
)

// responseType classifies what an upstream reply means for the resolution.
type responseType int

const (
	// respThrowaway is a reply that helps nobody: try the next server.
	respThrowaway responseType = iota
	// respAnswer terminates the resolution (including NXDOMAIN and NODATA).
	respAnswer
	// respCNAME rewrites the question and restarts the resolution.
	respCNAME
	// respReferral redirects resolution to a child zone's servers.
	respReferral
)

func (t responseType) String() string {
	switch t {
	case respAnswer:
		return "answer"
	case respCNAME:
		return "cname"
	case respReferral:
		return "referral"
	}
	return "throwaway"
}

// classifyResponse decides how a reply to (name, qtype) advances resolution.
// dp is the delegation point the query was sent against; a referral only
// counts when it delegates a zone strictly below dp's cut that still covers
// the name, which is what keeps referral loops from cycling upward.
func classifyResponse(msg *dns.Msg, name string, qtype uint16, dp *DelegationPoint) responseType {
	if msg == nil {
		return respThrowaway
	}
	switch msg.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return respAnswer
	default:
		return respThrowaway
	}

	final, answered, chain := followChain(msg, name, qtype)
	if answered {
		return respAnswer
	}
	if len(chain) > 0 && !equalName(final, name) {
		return respCNAME
	}

	if zone, ok := referralZone(msg, name); ok {
		if dp == nil || dp.coversSubzone(zone, name) {
			return respReferral
		}
		return respThrowaway
	}

	// NOERROR without an answer: a NODATA response if the authority backs
	// it with an SOA.
	if len(msg.Answer) == 0 && hasSOA(msg.Ns) {
		return respAnswer
	}
	return respThrowaway
}

// followChain walks the CNAME/DNAME chain in msg's answer section starting at
// name. It returns the name the chain ends on, whether an answer record set
// of qtype exists for that name, and the chain records traversed in order.
func followChain(msg *dns.Msg, name string, qtype uint16) (string, bool, []dns.RR) {
	var chain []dns.RR
	// Each step consumes at least one answer record, which bounds the walk
	// even against a malicious in-message loop.
	for i := 0; i <= len(msg.Answer); i++ {
		if hasRRset(msg.Answer, name, qtype) {
			return name, true, chain
		}
		next, links, ok := chainStep(msg, name)
		if !ok {
			return name, false, chain
		}
		chain = append(chain, links...)
		name = next
	}
	return name, false, chain
}

// chainStep follows one CNAME or DNAME link owned by name. A DNAME link
// always carries a CNAME for name alongside it in the returned records:
// the server's own when the reply includes one, a synthesized one
// otherwise, so the assembled answer lets a client follow the chain.
func chainStep(msg *dns.Msg, name string) (string, []dns.RR, bool) {
	for _, rr := range msg.Answer {
		t, ok := rr.(*dns.DNAME)
		if !ok {
			continue
		}
		owner := dns.Fqdn(t.Hdr.Name)
		if equalName(owner, name) || !dns.IsSubDomain(owner, dns.Fqdn(name)) {
			continue
		}
		target, ok := substituteDNAME(name, owner, dns.Fqdn(t.Target))
		if !ok {
			continue
		}
		if cn := findCNAME(msg.Answer, name); cn != nil && equalName(cn.Target, target) {
			return dns.Fqdn(cn.Target), []dns.RR{rr, cn}, true
		}
		return target, []dns.RR{rr, synthesizeCNAME(name, target, t)}, true
	}
	if cn := findCNAME(msg.Answer, name); cn != nil {
		return dns.Fqdn(cn.Target), []dns.RR{cn}, true
	}
	return "", nil, false
}

// findCNAME returns the first CNAME in rrs owned by name.
func findCNAME(rrs []dns.RR, name string) *dns.CNAME {
	for _, rr := range rrs {
		if cn, ok := rr.(*dns.CNAME); ok && equalName(cn.Hdr.Name, name) {
			return cn
		}
	}
	return nil
}

// synthesizeCNAME builds the CNAME a DNAME substitution implies for name,
// inheriting the DNAME's class and TTL.
func synthesizeCNAME(name, target string, dname *dns.DNAME) *dns.CNAME {
	return &dns.CNAME{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeCNAME,
			Class:  dname.Hdr.Class,
			Ttl:    dname.Hdr.Ttl,
		},
		Target: target,
	}
}

// substituteDNAME rewrites name by replacing the owner suffix with target.
func substituteDNAME(name, owner, target string) (string, bool) {
	n := strings.ToLower(dns.Fqdn(name))
	o := strings.ToLower(dns.Fqdn(owner))
	if !strings.HasSuffix(n, o) {
		return "", false
	}
	prefix := n[:len(n)-len(o)]
	out := prefix + target
	if _, ok := dns.IsDomainName(out); !ok {
		return "", false
	}
	return out, true
}

// referralZone returns the zone the reply's authority section delegates,
// when it contains an NS set covering name and the reply answers nothing.
func referralZone(msg *dns.Msg, name string) (string, bool) {
	if len(msg.Answer) != 0 {
		return "", false
	}
	for _, rr := range msg.Ns {
		if ns, ok := rr.(*dns.NS); ok {
			zone := dns.Fqdn(ns.Hdr.Name)
			if dns.IsSubDomain(strings.ToLower(zone), strings.ToLower(dns.Fqdn(name))) {
				return zone, true
			}
		}
	}
	return "", false
}

// hasRRset reports whether rrs holds a record set (name, qtype).
func hasRRset(rrs []dns.RR, name string, qtype uint16) bool {
	for _, rr := range rrs {
		if rr.Header().Rrtype == qtype && equalName(rr.Header().Name, name) {
			return true
		}
	}
	return false
}

func hasSOA(rrs []dns.RR) bool {
	for _, rr := range rrs {
		if rr.Header().Rrtype == dns.TypeSOA {
			return true
		}
	}
	return false
}

// equalName compares two domain names case-insensitively in FQDN form.
func equalName(a, b string) bool {
	return strings.EqualFold(dns.Fqdn(a), dns.Fqdn(b))
}

// parentName strips one label, stopping at the root.
func parentName(name string) string {
	labels := dns.SplitDomainName(dns.Fqdn(name))
	if len(labels) <= 1 {
		return "."
	}
	return dns.Fqdn(strings.Join(labels[1:], "."))
}
