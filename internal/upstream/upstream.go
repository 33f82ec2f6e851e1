// Package upstream transmits the engine's outbound queries to authoritative
// servers. Each send runs in its own goroutine doing one exchange against one
// server address; the reply, timeout, or error is delivered back through a
// callback tagged with the outbound handle that was waiting for it. Cancelled
// sends are released without delivering anything, which is how cleared
// resolutions orphan their late replies.
package upstream

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/lc/recurse/internal/iterator"
	"github.com/lc/recurse/internal/log"
)

var (
	// ErrNoServer is returned when a send spec names no server address.
	ErrNoServer = errors.New("no server address")
	// ErrBadServer is returned when the server address cannot be used.
	ErrBadServer = errors.New("bad server address")
)

// Exchanger defines the interface for DNS message exchange.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, a string) (r *dns.Msg, rtt time.Duration, err error)
}

// Deliverer receives the outcome of one send. reply is nil for timeouts and
// errors.
type Deliverer func(queryID string, ev iterator.Event, ob *iterator.Outbound, reply *dns.Msg)

var _ iterator.Sender = (*Client)(nil)

// Client implements the iterator's Sender over a dns.Client.
type Client struct {
	Client  Exchanger
	Timeout time.Duration

	deliver Deliverer
}

// New creates a Client with the given per-query timeout. Outcomes are handed
// to deliver, which must be safe to call from send goroutines.
func New(timeout time.Duration, deliver Deliverer) *Client {
	return &Client{
		Client: &dns.Client{
			Timeout: timeout,
		},
		Timeout: timeout,
		deliver: deliver,
	}
}

// Send transmits one query per spec and returns its tracked handle. A nil
// handle with an error means the send failed before anything left the
// process.
func (c *Client) Send(spec iterator.SendSpec) (*iterator.Outbound, error) {
	if strings.TrimSpace(spec.Server) == "" {
		return nil, ErrNoServer
	}
	addr := spec.Server
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, ErrBadServer
		}
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(spec.Name), spec.Type)
	m.Question[0].Qclass = spec.Class
	// We iterate ourselves; never ask the upstream to recurse.
	m.RecursionDesired = false
	m.CheckingDisabled = spec.CheckingDisabled
	m.SetEdns0(dns.DefaultMsgSize, spec.Dnssec)

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	ob := &iterator.Outbound{
		ID:     uuid.NewString(),
		Kind:   spec.Kind,
		Server: addr,
		Name:   dns.Fqdn(spec.Name),
		Cancel: cancel,
	}

	go c.exchange(ctx, cancel, spec.QueryID, ob, m, addr)
	return ob, nil
}

// exchange runs the actual network exchange and delivers its outcome.
func (c *Client) exchange(ctx context.Context, cancel context.CancelFunc, queryID string, ob *iterator.Outbound, m *dns.Msg, addr string) {
	defer cancel()

	r, rtt, err := c.Client.ExchangeContext(ctx, m, addr)
	if ctx.Err() == context.Canceled {
		// The owning resolution was cleared; this reply is an orphan.
		log.Debugf("upstream: dropping orphaned reply from %s", addr)
		return
	}
	if err != nil {
		ev := iterator.EventError
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			ev = iterator.EventTimeout
		}
		log.Debugf("upstream: exchange with %s failed: %v", addr, err)
		c.deliver(queryID, ev, ob, nil)
		return
	}
	if r == nil {
		c.deliver(queryID, iterator.EventError, ob, nil)
		return
	}
	log.Debugf("upstream: reply from %s in %v", addr, rtt)
	c.deliver(queryID, iterator.EventReply, ob, r)
}

// isTimeout unwraps network timeout errors that do not carry the context
// sentinel.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
