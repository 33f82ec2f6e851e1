package iterator

import (
	"strings"

	"github.com/miekg/dns"
)

// DelegationSource says how a delegation point was obtained.
type DelegationSource int

const (
	// SourceCache means the delegation came from the delegation cache.
	SourceCache DelegationSource = iota
	// SourceReferral means it was built from an upstream referral.
	SourceReferral
	// SourcePriming means it was built from a priming response.
	SourcePriming
)

// Nameserver is one authoritative server of a delegation point: its name and
// the addresses known for it (possibly none, pending a target fetch).
type Nameserver struct {
	Name  string
	Addrs []string
}

// DelegationPoint is the set of known authoritative servers for a zone cut.
// It is immutable once attached to a query state: referrals, priming results,
// and target fetches all produce a fresh instance instead of editing the one
// a suspended resolution may still reference.
type DelegationPoint struct {
	Zone    string
	Servers []Nameserver
	Source  DelegationSource
}

// NewDelegationPoint builds a delegation point from explicit servers.
func NewDelegationPoint(zone string, servers []Nameserver, src DelegationSource) *DelegationPoint {
	return &DelegationPoint{Zone: dns.Fqdn(zone), Servers: servers, Source: src}
}

// delegationFromReply assembles a delegation point from the NS records of an
// upstream reply: referral NS sets live in the authority section, priming NS
// sets in the answer section. Glue addresses come from the additional
// section. Returns nil when the reply delegates nothing.
func delegationFromReply(msg *dns.Msg, src DelegationSource) *DelegationPoint {
	zone := ""
	var names []string
	sections := [][]dns.RR{msg.Ns, msg.Answer}
	for _, sec := range sections {
		for _, rr := range sec {
			ns, ok := rr.(*dns.NS)
			if !ok {
				continue
			}
			owner := strings.ToLower(ns.Hdr.Name)
			if zone == "" {
				zone = owner
			}
			if owner != zone {
				// NS sets for a second owner do not belong to this cut.
				continue
			}
			names = append(names, strings.ToLower(ns.Ns))
		}
		if len(names) > 0 {
			break
		}
	}
	if len(names) == 0 {
		return nil
	}

	glue := make(map[string][]string)
	for _, rr := range msg.Extra {
		switch t := rr.(type) {
		case *dns.A:
			n := strings.ToLower(t.Hdr.Name)
			glue[n] = append(glue[n], t.A.String())
		case *dns.AAAA:
			n := strings.ToLower(t.Hdr.Name)
			glue[n] = append(glue[n], t.AAAA.String())
		}
	}

	servers := make([]Nameserver, 0, len(names))
	for _, n := range names {
		servers = append(servers, Nameserver{Name: n, Addrs: glue[n]})
	}
	return NewDelegationPoint(zone, servers, src)
}

// withAddrs returns a copy of dp with addrs merged into the named server.
// The receiver is left untouched.
func (dp *DelegationPoint) withAddrs(name string, addrs []string) *DelegationPoint {
	name = strings.ToLower(name)
	servers := make([]Nameserver, len(dp.Servers))
	copy(servers, dp.Servers)
	for i := range servers {
		if strings.ToLower(servers[i].Name) != name {
			continue
		}
		merged := make([]string, 0, len(servers[i].Addrs)+len(addrs))
		merged = append(merged, servers[i].Addrs...)
		for _, a := range addrs {
			if !contains(merged, a) {
				merged = append(merged, a)
			}
		}
		servers[i].Addrs = merged
	}
	return &DelegationPoint{Zone: dp.Zone, Servers: servers, Source: dp.Source}
}

// missingTargets lists servers with no known address.
func (dp *DelegationPoint) missingTargets() []string {
	var out []string
	for _, s := range dp.Servers {
		if len(s.Addrs) == 0 {
			out = append(out, s.Name)
		}
	}
	return out
}

// addresses lists every known server address, in server order.
func (dp *DelegationPoint) addresses() []string {
	var out []string
	for _, s := range dp.Servers {
		out = append(out, s.Addrs...)
	}
	return out
}

// coversSubzone reports whether zone is strictly below dp's cut and still
// covers name, which is what makes an NS set a usable referral.
func (dp *DelegationPoint) coversSubzone(zone, name string) bool {
	zone = strings.ToLower(dns.Fqdn(zone))
	cut := strings.ToLower(dp.Zone)
	if zone == cut {
		return false
	}
	return dns.IsSubDomain(cut, zone) && dns.IsSubDomain(zone, strings.ToLower(name))
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
