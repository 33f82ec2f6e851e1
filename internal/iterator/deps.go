// Package iterator implements the iterative-resolution engine: a re-entrant,
// event-driven state machine that answers one DNS question by consulting the
// caches, walking the delegation chain from the roots, following CNAME/DNAME
// chains, and synthesizing the final answer. A resolution may suspend while a
// priming query, a nameserver address lookup, or an upstream reply is
// outstanding, and is resumed by its owner delivering the matching event.
//
// The package owns no I/O. Cache storage, upstream transmission, and
// subordinate resolutions are supplied by the owner through the Deps
// collaborators, which keeps every handler synchronous and single-threaded.
package iterator

import (
	"github.com/miekg/dns"

	"github.com/lc/recurse/internal/dnsmsg"
)

// Event is an external stimulus delivered to Operate.
type Event int

const (
	// EventNew starts a resolution for a fresh query.
	EventNew Event = iota
	// EventReply resumes a resolution with an upstream or subquery reply.
	EventReply
	// EventTimeout resumes a resolution whose outbound query timed out.
	EventTimeout
	// EventError resumes a resolution whose outbound query failed.
	EventError
)

// String returns the event name for logs.
func (e Event) String() string {
	switch e {
	case EventNew:
		return "new"
	case EventReply:
		return "reply"
	case EventTimeout:
		return "timeout"
	case EventError:
		return "error"
	}
	return "unknown"
}

// ExtState is what a resolution looks like from the outside after Operate
// returns: still waiting on something, finished with an answer in the output
// buffer, or failed.
type ExtState int

const (
	// ExtWaitReply means an upstream query is in flight.
	ExtWaitReply ExtState = iota
	// ExtWaitSubquery means one or more dependent resolutions are in flight.
	ExtWaitSubquery
	// ExtFinished means the final answer has been written to Query.Answer.
	ExtFinished
	// ExtError means the resolution failed without producing an answer.
	ExtError
)

// String returns the external-state name for logs.
func (s ExtState) String() string {
	switch s {
	case ExtWaitReply:
		return "wait-reply"
	case ExtWaitSubquery:
		return "wait-subquery"
	case ExtFinished:
		return "finished"
	case ExtError:
		return "error"
	}
	return "unknown"
}

// OutboundKind says what a tracked outbound query was sent for, and therefore
// which response state consumes its reply.
type OutboundKind int

const (
	// KindQuery is a plain iteration query to an authoritative server.
	KindQuery OutboundKind = iota
	// KindPrime is a root priming query sent to a hinted server.
	KindPrime
	// KindTarget is a dependent resolution fetching a nameserver address.
	KindTarget
)

// Outbound is the handle for one in-flight upstream attempt. Handles with
// KindQuery and KindPrime are tracked in the owning resolution's outbound
// list; KindTarget handles stand for subordinate resolutions mediated by the
// owner and are not network sends of this resolution.
type Outbound struct {
	ID     string
	Kind   OutboundKind
	Server string
	// Name is the question name the outbound was sent for. For KindTarget
	// it is the nameserver whose address was being fetched.
	Name string
	// Cancel releases the underlying send. It must tolerate being called
	// after the reply was already delivered.
	Cancel func()
}

// SendSpec describes one upstream query for the Sender.
type SendSpec struct {
	QueryID string
	Name    string
	Type    uint16
	Class   uint16
	// CheckingDisabled propagates the client's CD bit.
	CheckingDisabled bool
	// Dnssec requests DNSSEC records (DO bit) from the upstream.
	Dnssec bool
	Server string
	Kind   OutboundKind
}

// Query is the per-question descriptor owned by the caller. The iterator
// reads the question, rewrites the working name across restarts, and writes
// the final wire answer into Answer.
type Query struct {
	// ID identifies the resolution to the owner and the Sender.
	ID string
	// Info is the working question. Restarts rewrite Info.Name; the
	// original is preserved in the query state and restored at encode.
	Info dnsmsg.QueryInfo
	// Flags is the client's wire-order header flags word.
	Flags uint16
	// Edns is the client's EDNS request state.
	Edns dnsmsg.EdnsInfo
	// Depth is the dependency depth: 0 for client queries, parent+1 for
	// priming and target sub-resolutions.
	Depth int
	// Reply holds the message being processed while in a response state.
	// The owner sets it before delivering EventReply and leaves it nil for
	// timeouts and errors.
	Reply *dns.Msg
	// Answer receives the final wire answer.
	Answer []byte
}

// MsgCache is the message cache consumed by the iterator.
type MsgCache interface {
	// Lookup returns a cached reply for the question, or nil. The returned
	// message is the caller's to keep.
	Lookup(name string, qtype, qclass uint16, cd bool) *dns.Msg
	// Store persists an upstream reply for the question it answers.
	Store(qinfo dnsmsg.QueryInfo, msg *dns.Msg)
}

// DelegationCache is the delegation cache consumed by the iterator.
type DelegationCache interface {
	// Delegation returns the best known delegation point covering name, or
	// nil when no nameservers are known at all for the class.
	Delegation(name string, class uint16) *DelegationPoint
	// StoreNS records the NS records (and glue) carried by an upstream
	// reply, whether in its answer or authority section.
	StoreNS(msg *dns.Msg)
}

// Sender transmits upstream queries. A nil handle with an error means the
// send failed immediately; otherwise the reply, timeout, or error for the
// returned handle is delivered later through the owner.
type Sender interface {
	Send(spec SendSpec) (*Outbound, error)
}

// Subquerier starts a dependent resolution at the given depth whose
// completion the owner delivers back to the parent as a KindTarget reply
// event. It must not run the subquery synchronously.
type Subquerier interface {
	Subquery(parentID string, qinfo dnsmsg.QueryInfo, depth int) error
}

// Deps bundles the external collaborators of one iterator instance.
type Deps struct {
	Msgs        MsgCache
	Delegations DelegationCache
	Send        Sender
	Subquery    Subquerier
}
