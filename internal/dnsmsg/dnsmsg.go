// Package dnsmsg provides parsing and encoding of DNS messages for the
// resolution engine. It wraps github.com/miekg/dns so the iterator core can
// treat wire handling as an abstract parse/encode service: parse an upstream
// reply into a message, encode a final answer against the client's original
// question, and synthesize error answers when nothing better is available.
package dnsmsg

import (
	"errors"
	"time"

	"github.com/miekg/dns"
)

const (
	// AdvertisedVersion is the EDNS version advertised in outgoing answers.
	AdvertisedVersion = 0
	// AdvertisedUDPSize is the EDNS buffer size advertised in outgoing answers.
	AdvertisedUDPSize = 4096
)

var (
	// ErrEmptyReply is returned when a reply contains no bytes.
	ErrEmptyReply = errors.New("empty reply")
	// ErrNoQuestion is returned when a reply carries no question section.
	ErrNoQuestion = errors.New("reply has no question")
)

// QueryInfo identifies one DNS question.
type QueryInfo struct {
	Name             string
	Type             uint16
	Class            uint16
	CheckingDisabled bool
}

// String renders the question for logs, dig-style.
func (q QueryInfo) String() string {
	return q.Name + " " + dns.ClassToString[q.Class] + " " + dns.TypeToString[q.Type]
}

// EdnsInfo is the OPT pseudo-record state carried alongside a query or reply.
type EdnsInfo struct {
	Present bool
	Version uint8
	UDPSize uint16
	Do      bool
}

// EdnsFromMsg extracts the EDNS state of m.
func EdnsFromMsg(m *dns.Msg) EdnsInfo {
	opt := m.IsEdns0()
	if opt == nil {
		return EdnsInfo{}
	}
	return EdnsInfo{
		Present: true,
		Version: opt.Version(),
		UDPSize: opt.UDPSize(),
		Do:      opt.Do(),
	}
}

// ParseReply unpacks a raw upstream reply into its question, message, and
// EDNS state.
func ParseReply(raw []byte) (QueryInfo, *dns.Msg, EdnsInfo, error) {
	if len(raw) == 0 {
		return QueryInfo{}, nil, EdnsInfo{}, ErrEmptyReply
	}
	m := new(dns.Msg)
	if err := m.Unpack(raw); err != nil {
		return QueryInfo{}, nil, EdnsInfo{}, err
	}
	if len(m.Question) == 0 {
		return QueryInfo{}, nil, EdnsInfo{}, ErrNoQuestion
	}
	q := m.Question[0]
	return QueryInfo{
		Name:             q.Name,
		Type:             q.Qtype,
		Class:            q.Qclass,
		CheckingDisabled: m.CheckingDisabled,
	}, m, EdnsFromMsg(m), nil
}

// EncodeAnswer builds the wire form of a final answer. The question section
// is taken from qinfo (the client's original question, not whatever working
// name resolution ended on), header flags from origFlags, and the answer,
// authority, and additional sections from msg. TTLs are aged by the cache at
// lookup time; now is the encode timestamp recorded for the answer. The
// outgoing OPT record advertises our EDNS parameters and propagates only the
// DO bit from edns.
func EncodeAnswer(qinfo QueryInfo, msg *dns.Msg, origFlags uint16, edns EdnsInfo, now time.Time) ([]byte, error) {
	out := new(dns.Msg)
	out.Question = []dns.Question{{
		Name:   qinfo.Name,
		Qtype:  qinfo.Type,
		Qclass: qinfo.Class,
	}}
	out.Response = true
	out.Rcode = msg.Rcode
	out.Authoritative = false
	out.RecursionAvailable = true
	out.RecursionDesired = origFlags&flagRD != 0
	out.CheckingDisabled = qinfo.CheckingDisabled
	out.Compress = true

	out.Answer = copySection(msg.Answer)
	out.Ns = copySection(msg.Ns)
	out.Extra = copyExtra(msg.Extra)

	if edns.Present {
		out.SetEdns0(AdvertisedUDPSize, edns.Do)
	}

	raw, err := out.Pack()
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ErrorAnswer synthesizes a header-only answer with the given rcode. It never
// fails: a response this small always packs.
func ErrorAnswer(qinfo QueryInfo, origFlags uint16, rcode int) []byte {
	m := new(dns.Msg)
	m.Question = []dns.Question{{
		Name:   qinfo.Name,
		Qtype:  qinfo.Type,
		Qclass: qinfo.Class,
	}}
	m.Response = true
	m.Rcode = rcode
	m.RecursionAvailable = true
	m.RecursionDesired = origFlags&flagRD != 0
	m.CheckingDisabled = qinfo.CheckingDisabled

	raw, err := m.Pack()
	if err != nil {
		// A question that cannot pack leaves only a bare header.
		hdr := new(dns.Msg)
		hdr.Response = true
		hdr.Rcode = rcode
		raw, _ = hdr.Pack()
	}
	return raw
}

// flagRD is the recursion-desired bit in the wire-order flags word.
const flagRD = 1 << 8

// FlagsFromMsg folds the header flag bits of m into a wire-order flags word.
func FlagsFromMsg(m *dns.Msg) uint16 {
	var f uint16
	if m.RecursionDesired {
		f |= flagRD
	}
	return f
}

// copySection deep-copies a record set so the encoded answer never aliases
// cache-owned storage.
func copySection(rrs []dns.RR) []dns.RR {
	if len(rrs) == 0 {
		return nil
	}
	out := make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		out = append(out, dns.Copy(rr))
	}
	return out
}

// copyExtra copies the additional section, dropping any OPT record since the
// encoder emits its own.
func copyExtra(rrs []dns.RR) []dns.RR {
	var out []dns.RR
	for _, rr := range rrs {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		out = append(out, dns.Copy(rr))
	}
	return out
}
