// Package cache provides the message and delegation caches consumed by the
// resolution engine. Both are bounded LRU structures with TTL expiry; lookups
// return fresh copies so no caller ever aliases cache-owned records.
package cache

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"

	"github.com/lc/recurse/internal/dnsmsg"
	"github.com/lc/recurse/internal/iterator"
	"github.com/lc/recurse/internal/log"
)

const (
	// minMessageTTL floors cached message lifetimes so zero-TTL replies do
	// not thrash the cache.
	minMessageTTL = 5 * time.Second
	// maxMessageTTL caps cached message lifetimes.
	maxMessageTTL = 24 * time.Hour
	// negativeTTL is the lifetime of cached NXDOMAIN/NODATA replies.
	negativeTTL = 30 * time.Second
	// delegationTTL is the default lifetime of a cached zone cut when its
	// NS records carry no usable TTL.
	delegationTTL = time.Hour
)

// nowFunc is swapped in tests.
var nowFunc = time.Now

// Messages is the reply-message cache.
type Messages struct {
	lru *lru.Cache[string, *msgEntry]
}

type msgEntry struct {
	msg      *dns.Msg
	storedAt time.Time
	expires  time.Time
}

var _ iterator.MsgCache = (*Messages)(nil)

// NewMessages builds a message cache holding up to size replies.
func NewMessages(size int) (*Messages, error) {
	l, err := lru.New[string, *msgEntry](size)
	if err != nil {
		return nil, err
	}
	return &Messages{lru: l}, nil
}

// Lookup returns a copy of the cached reply for the question, with TTLs aged
// by the time spent in the cache, or nil on a miss or expired entry.
func (c *Messages) Lookup(name string, qtype, qclass uint16, cd bool) *dns.Msg {
	key := msgKey(name, qtype, qclass, cd)
	e, ok := c.lru.Get(key)
	if !ok {
		return nil
	}
	now := nowFunc()
	if now.After(e.expires) {
		c.lru.Remove(key)
		return nil
	}
	out := e.msg.Copy()
	ageTTLs(out, now.Sub(e.storedAt))
	return out
}

// Store persists a copy of msg as the answer for qinfo. Lifetime is the
// smallest answer TTL, clamped to sane bounds; error replies use the negative
// lifetime.
func (c *Messages) Store(qinfo dnsmsg.QueryInfo, msg *dns.Msg) {
	if msg == nil {
		return
	}
	ttl := msgTTL(msg)
	now := nowFunc()
	e := &msgEntry{
		msg:      msg.Copy(),
		storedAt: now,
		expires:  now.Add(ttl),
	}
	c.lru.Add(msgKey(qinfo.Name, qinfo.Type, qinfo.Class, qinfo.CheckingDisabled), e)
}

// Len reports the number of cached replies.
func (c *Messages) Len() int { return c.lru.Len() }

// Flush drops every cached reply.
func (c *Messages) Flush() { c.lru.Purge() }

// Delegations is the zone-cut cache backing delegation lookups.
type Delegations struct {
	lru *lru.Cache[string, *dpEntry]
}

type dpEntry struct {
	servers []iterator.Nameserver
	expires time.Time
}

var _ iterator.DelegationCache = (*Delegations)(nil)

// NewDelegations builds a delegation cache holding up to size zone cuts.
func NewDelegations(size int) (*Delegations, error) {
	l, err := lru.New[string, *dpEntry](size)
	if err != nil {
		return nil, err
	}
	return &Delegations{lru: l}, nil
}

// Delegation returns the best known delegation point covering name: the
// deepest cached zone cut on the path from name up to the root. Nil means no
// nameservers are known at all for the class and the caller must prime.
func (c *Delegations) Delegation(name string, class uint16) *iterator.DelegationPoint {
	name = strings.ToLower(dns.Fqdn(name))
	for zone := name; ; zone = parent(zone) {
		key := dpKey(zone, class)
		if e, ok := c.lru.Get(key); ok {
			if nowFunc().After(e.expires) {
				c.lru.Remove(key)
			} else {
				return iterator.NewDelegationPoint(zone, copyServers(e.servers), iterator.SourceCache)
			}
		}
		if zone == "." {
			return nil
		}
	}
}

// StoreNS records the NS record sets carried by an upstream reply, keyed by
// the zones they delegate: referral NS sets from the authority section,
// priming NS sets from the answer section. Glue addresses come from the
// additional section.
func (c *Delegations) StoreNS(msg *dns.Msg) {
	if msg == nil {
		return
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

	zones := make(map[string][]iterator.Nameserver)
	ttls := make(map[string]uint32)
	for _, sec := range [][]dns.RR{msg.Answer, msg.Ns} {
		for _, rr := range sec {
			ns, ok := rr.(*dns.NS)
			if !ok {
				continue
			}
			zone := strings.ToLower(ns.Hdr.Name)
			target := strings.ToLower(ns.Ns)
			zones[zone] = append(zones[zone], iterator.Nameserver{
				Name:  target,
				Addrs: glue[target],
			})
			if ttl, seen := ttls[zone]; !seen || ns.Hdr.Ttl < ttl {
				ttls[zone] = ns.Hdr.Ttl
			}
		}
	}

	now := nowFunc()
	for zone, servers := range zones {
		ttl := time.Duration(ttls[zone]) * time.Second
		if ttl <= 0 {
			ttl = delegationTTL
		}
		c.lru.Add(dpKey(zone, classOf(msg)), &dpEntry{
			servers: servers,
			expires: now.Add(ttl),
		})
		log.Debugf("cache: stored delegation %q with %d servers", zone, len(servers))
	}
}

// Len reports the number of cached zone cuts.
func (c *Delegations) Len() int { return c.lru.Len() }

// Flush drops every cached zone cut.
func (c *Delegations) Flush() { c.lru.Purge() }

// --- helpers ---

func msgKey(name string, qtype, qclass uint16, cd bool) string {
	k := strings.ToLower(dns.Fqdn(name)) + "|" +
		dns.TypeToString[qtype] + "|" + dns.ClassToString[qclass]
	if cd {
		k += "|cd"
	}
	return k
}

func dpKey(zone string, class uint16) string {
	return strings.ToLower(dns.Fqdn(zone)) + "|" + dns.ClassToString[class]
}

// classOf returns the class of a reply's question, defaulting to IN.
func classOf(msg *dns.Msg) uint16 {
	if len(msg.Question) > 0 {
		return msg.Question[0].Qclass
	}
	return dns.ClassINET
}

// copyServers deep-copies a server list so callers never alias cache-owned
// storage.
func copyServers(in []iterator.Nameserver) []iterator.Nameserver {
	out := make([]iterator.Nameserver, len(in))
	for i, s := range in {
		out[i] = iterator.Nameserver{
			Name:  s.Name,
			Addrs: append([]string(nil), s.Addrs...),
		}
	}
	return out
}

// parent strips one label, stopping at the root.
func parent(zone string) string {
	labels := dns.SplitDomainName(zone)
	if len(labels) <= 1 {
		return "."
	}
	return dns.Fqdn(strings.Join(labels[1:], "."))
}

// msgTTL derives a cache lifetime from the smallest record TTL.
func msgTTL(msg *dns.Msg) time.Duration {
	if msg.Rcode != dns.RcodeSuccess || len(msg.Answer) == 0 {
		return negativeTTL
	}
	min := uint32(0)
	first := true
	for _, sec := range [][]dns.RR{msg.Answer, msg.Ns} {
		for _, rr := range sec {
			if first || rr.Header().Ttl < min {
				min = rr.Header().Ttl
				first = false
			}
		}
	}
	ttl := time.Duration(min) * time.Second
	if ttl < minMessageTTL {
		return minMessageTTL
	}
	if ttl > maxMessageTTL {
		return maxMessageTTL
	}
	return ttl
}

// ageTTLs decrements every record TTL by the cached duration. OPT pseudo
// records are left alone: their Ttl field packs the extended rcode and
// EDNS flags, not a lifetime.
func ageTTLs(msg *dns.Msg, age time.Duration) {
	secs := uint32(age / time.Second)
	if secs == 0 {
		return
	}
	for _, sec := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range sec {
			h := rr.Header()
			if h.Rrtype == dns.TypeOPT {
				continue
			}
			if h.Ttl > secs {
				h.Ttl -= secs
			} else {
				h.Ttl = 0
			}
		}
	}
}
