package engine

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/suite"

	"github.com/lc/recurse/internal/cache"
	"github.com/lc/recurse/internal/dnsmsg"
	"github.com/lc/recurse/internal/hints"
	"github.com/lc/recurse/internal/iterator"
)

// scriptedExchanger answers upstream exchanges from a test-provided function.
type scriptedExchanger struct {
	exchange func(m *dns.Msg, addr string) (*dns.Msg, error)
}

func (f *scriptedExchanger) ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error) {
	if f.exchange == nil {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	r, err := f.exchange(m, addr)
	return r, time.Millisecond, err
}

type EngineTestSuite struct {
	suite.Suite
	eng    *Engine
	exch   *scriptedExchanger
	msgs   *cache.Messages
	dels   *cache.Delegations
	cancel context.CancelFunc
}

func (s *EngineTestSuite) SetupTest() {
	s.startEngine(10 * time.Second)
}

func (s *EngineTestSuite) startEngine(deadline time.Duration) {
	h, err := hints.Parse(".  3600000  IN  NS  ns.test-root.invalid.\n" +
		"ns.test-root.invalid.  3600000  IN  A  192.0.2.1\n")
	s.Require().NoError(err)

	env, err := iterator.NewEnv(iterator.EnvConfig{
		MaxRestarts:  4,
		MaxReferrals: 16,
		MaxDepth:     3,
		TargetFetch:  2,
		Hints:        h,
	})
	s.Require().NoError(err)

	s.msgs, err = cache.NewMessages(64)
	s.Require().NoError(err)
	s.dels, err = cache.NewDelegations(64)
	s.Require().NoError(err)

	s.eng = New(env, s.msgs, s.dels, time.Second, deadline)
	s.exch = &scriptedExchanger{}
	s.eng.sender.Client = s.exch

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.eng.Run(ctx)
}

func (s *EngineTestSuite) TearDownTest() {
	s.cancel()
	s.eng.Close()
}

func (s *EngineTestSuite) rr(text string) dns.RR {
	rr, err := dns.NewRR(text)
	s.Require().NoError(err)
	return rr
}

// seedDelegation caches a zone cut for example.com served by the given
// nameserver, with glueAddr attached when non-empty.
func (s *EngineTestSuite) seedDelegation(nsName, glueAddr string) {
	m := new(dns.Msg)
	m.SetQuestion("www.example.com.", dns.TypeA)
	m.Response = true
	m.Ns = append(m.Ns, s.rr("example.com. 172800 IN NS "+nsName))
	if glueAddr != "" {
		m.Extra = append(m.Extra, s.rr(nsName+" 172800 IN A "+glueAddr))
	}
	s.dels.StoreNS(m)
}

func (s *EngineTestSuite) resolve(name string, qtype uint16) chan []byte {
	done := make(chan []byte, 1)
	err := s.eng.Resolve(context.Background(),
		dnsmsg.QueryInfo{Name: name, Type: qtype, Class: dns.ClassINET},
		0, dnsmsg.EdnsInfo{},
		func(answer []byte) { done <- answer })
	s.Require().NoError(err)
	return done
}

func (s *EngineTestSuite) waitAnswer(done chan []byte) *dns.Msg {
	select {
	case raw := <-done:
		m := new(dns.Msg)
		s.Require().NoError(m.Unpack(raw))
		return m
	case <-time.After(5 * time.Second):
		s.Require().FailNow("no answer arrived")
		return nil
	}
}

func (s *EngineTestSuite) TestResolveFromCache() {
	cached := new(dns.Msg)
	cached.Response = true
	cached.Answer = append(cached.Answer, s.rr("www.example.com. 300 IN A 192.0.2.10"))
	s.msgs.Store(dnsmsg.QueryInfo{Name: "www.example.com.", Type: dns.TypeA, Class: dns.ClassINET}, cached)

	m := s.waitAnswer(s.resolve("www.example.com.", dns.TypeA))
	s.Equal(dns.RcodeSuccess, m.Rcode)
	s.Require().Len(m.Answer, 1)
	s.Equal("www.example.com.", m.Answer[0].Header().Name)
}

func (s *EngineTestSuite) TestResolveViaUpstream() {
	s.seedDelegation("ns1.example.com.", "192.0.2.3")
	s.exch.exchange = func(m *dns.Msg, addr string) (*dns.Msg, error) {
		s.Equal("192.0.2.3:53", addr)
		r := new(dns.Msg)
		r.SetReply(m)
		r.Answer = append(r.Answer, s.rr("www.example.com. 300 IN A 192.0.2.100"))
		return r, nil
	}

	m := s.waitAnswer(s.resolve("www.example.com.", dns.TypeA))
	s.Equal(dns.RcodeSuccess, m.Rcode)
	s.Require().Len(m.Answer, 1)

	st := s.eng.Stats()
	s.Equal(int64(0), st.InFlight)
	s.Equal(uint64(1), st.Started)
	s.Equal(uint64(1), st.Finished)
	s.Equal(1, st.CachedMessages)
}

func (s *EngineTestSuite) TestResolveViaPriming() {
	// Empty delegation cache: the engine must prime from the hints first.
	s.exch.exchange = func(m *dns.Msg, addr string) (*dns.Msg, error) {
		r := new(dns.Msg)
		r.SetReply(m)
		q := m.Question[0]
		switch {
		case q.Name == "." && q.Qtype == dns.TypeNS:
			r.Answer = append(r.Answer, s.rr(". 518400 IN NS ns.test-root.invalid."))
			r.Extra = append(r.Extra, s.rr("ns.test-root.invalid. 518400 IN A 192.0.2.1"))
		default:
			r.Answer = append(r.Answer, s.rr(q.Name+" 300 IN A 192.0.2.100"))
		}
		return r, nil
	}

	m := s.waitAnswer(s.resolve("www.example.com.", dns.TypeA))
	s.Equal(dns.RcodeSuccess, m.Rcode)
	s.Require().Len(m.Answer, 1)
}

func (s *EngineTestSuite) TestNameserverAddressFetchedViaSubquery() {
	// The example.com cut is served by a nameserver without glue; its
	// address lives behind a second cut that does have glue.
	s.seedDelegation("ns1.glue.invalid.", "")
	glue := new(dns.Msg)
	glue.SetQuestion("ns1.glue.invalid.", dns.TypeA)
	glue.Response = true
	glue.Ns = append(glue.Ns, s.rr("glue.invalid. 172800 IN NS ns2.glue.invalid."))
	glue.Extra = append(glue.Extra, s.rr("ns2.glue.invalid. 172800 IN A 192.0.2.40"))
	s.dels.StoreNS(glue)

	s.exch.exchange = func(m *dns.Msg, addr string) (*dns.Msg, error) {
		r := new(dns.Msg)
		r.SetReply(m)
		q := m.Question[0]
		switch {
		case q.Name == "ns1.glue.invalid." && addr == "192.0.2.40:53":
			r.Answer = append(r.Answer, s.rr("ns1.glue.invalid. 300 IN A 192.0.2.30"))
		case q.Name == "www.example.com." && addr == "192.0.2.30:53":
			r.Answer = append(r.Answer, s.rr("www.example.com. 300 IN A 192.0.2.100"))
		default:
			r.Rcode = dns.RcodeRefused
		}
		return r, nil
	}

	m := s.waitAnswer(s.resolve("www.example.com.", dns.TypeA))
	s.Equal(dns.RcodeSuccess, m.Rcode)
	s.Require().Len(m.Answer, 1)
	s.Equal("www.example.com.", m.Answer[0].Header().Name)

	// The parent and its subquery both finished.
	st := s.eng.Stats()
	s.Equal(int64(0), st.InFlight)
	s.Equal(uint64(2), st.Started)
	s.Equal(uint64(2), st.Finished)
}

func (s *EngineTestSuite) TestDeadlineExpiresStuckResolution() {
	s.TearDownTest()
	s.startEngine(100 * time.Millisecond)

	s.seedDelegation("ns1.example.com.", "192.0.2.3")
	// No exchange function: the upstream hangs until cancelled.

	done := s.resolve("www.example.com.", dns.TypeA)
	select {
	case raw := <-done:
		m := new(dns.Msg)
		s.Require().NoError(m.Unpack(raw))
		s.Equal(dns.RcodeServerFailure, m.Rcode)
	case <-time.After(5 * time.Second):
		s.Require().FailNow("expiry never fired")
	}
}

func (s *EngineTestSuite) TestOrphanReplyIsDropped() {
	// A reply for a resolution that no longer exists must not wedge the
	// loop or affect later queries.
	s.eng.deliver("no-such-resolution", iterator.EventReply,
		&iterator.Outbound{ID: "stale", Kind: iterator.KindQuery}, nil)

	cached := new(dns.Msg)
	cached.Response = true
	cached.Answer = append(cached.Answer, s.rr("www.example.com. 300 IN A 192.0.2.10"))
	s.msgs.Store(dnsmsg.QueryInfo{Name: "www.example.com.", Type: dns.TypeA, Class: dns.ClassINET}, cached)

	m := s.waitAnswer(s.resolve("www.example.com.", dns.TypeA))
	s.Equal(dns.RcodeSuccess, m.Rcode)
}

func (s *EngineTestSuite) TestFlushEmptiesCaches() {
	cached := new(dns.Msg)
	cached.Response = true
	cached.Answer = append(cached.Answer, s.rr("www.example.com. 300 IN A 192.0.2.10"))
	s.msgs.Store(dnsmsg.QueryInfo{Name: "www.example.com.", Type: dns.TypeA, Class: dns.ClassINET}, cached)
	s.seedDelegation("ns1.example.com.", "192.0.2.3")

	s.Equal(1, s.eng.Stats().CachedMessages)
	s.Equal(1, s.eng.Stats().CachedZoneCuts)

	s.eng.Flush()
	s.Equal(0, s.eng.Stats().CachedMessages)
	s.Equal(0, s.eng.Stats().CachedZoneCuts)
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
