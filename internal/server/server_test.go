package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/suite"

	"github.com/lc/recurse/internal/cache"
	"github.com/lc/recurse/internal/dnsmsg"
	"github.com/lc/recurse/internal/engine"
	"github.com/lc/recurse/internal/hints"
	"github.com/lc/recurse/internal/iterator"
	"github.com/lc/recurse/internal/server"
)

// fakeResponseWriter records the message the handler writes back.
type fakeResponseWriter struct {
	written *dns.Msg
}

func (w *fakeResponseWriter) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 53}
}

func (w *fakeResponseWriter) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}
}

func (w *fakeResponseWriter) WriteMsg(m *dns.Msg) error {
	w.written = m
	return nil
}

func (w *fakeResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *fakeResponseWriter) Close() error                { return nil }
func (w *fakeResponseWriter) TsigStatus() error           { return nil }
func (w *fakeResponseWriter) TsigTimersOnly(bool)         {}
func (w *fakeResponseWriter) Hijack()                     {}

type ServerTestSuite struct {
	suite.Suite
	srv    *server.Server
	eng    *engine.Engine
	msgs   *cache.Messages
	cancel context.CancelFunc
}

func (s *ServerTestSuite) SetupTest() {
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
	dels, err := cache.NewDelegations(64)
	s.Require().NoError(err)

	s.eng = engine.New(env, s.msgs, dels, time.Second, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.eng.Run(ctx)

	s.srv, err = server.New(s.eng, "127.0.0.1:0")
	s.Require().NoError(err)
}

func (s *ServerTestSuite) TearDownTest() {
	s.cancel()
	s.eng.Close()
}

func (s *ServerTestSuite) rr(text string) dns.RR {
	rr, err := dns.NewRR(text)
	s.Require().NoError(err)
	return rr
}

// seedAnswer puts a positive answer in the message cache so the handler
// can resolve without any upstream traffic.
func (s *ServerTestSuite) seedAnswer(name string, qtype uint16, record string) {
	m := new(dns.Msg)
	m.Response = true
	m.Answer = append(m.Answer, s.rr(record))
	s.msgs.Store(dnsmsg.QueryInfo{Name: name, Type: qtype, Class: dns.ClassINET}, m)
}

func (s *ServerTestSuite) TestNewRequiresEngine() {
	_, err := server.New(nil, "127.0.0.1:0")
	s.ErrorIs(err, server.ErrNoEngine)
}

func (s *ServerTestSuite) TestAnswersQuery() {
	s.seedAnswer("www.example.com.", dns.TypeA, "www.example.com. 300 IN A 192.0.2.10")

	req := new(dns.Msg)
	req.SetQuestion("www.example.com.", dns.TypeA)
	req.Id = 4321

	w := &fakeResponseWriter{}
	s.srv.ServeDNS(w, req)

	s.Require().NotNil(w.written)
	s.Equal(uint16(4321), w.written.Id)
	s.Equal(dns.RcodeSuccess, w.written.Rcode)
	s.Require().Len(w.written.Answer, 1)
	s.Equal("www.example.com.", w.written.Answer[0].Header().Name)
}

func (s *ServerTestSuite) TestRefusesMultipleQuestions() {
	req := new(dns.Msg)
	req.SetQuestion("a.example.com.", dns.TypeA)
	req.Question = append(req.Question, dns.Question{
		Name: "b.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET,
	})

	w := &fakeResponseWriter{}
	s.srv.ServeDNS(w, req)

	s.Require().NotNil(w.written)
	s.Equal(dns.RcodeRefused, w.written.Rcode)
}

func (s *ServerTestSuite) TestRefusesNonQueryOpcode() {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeSOA)
	req.Opcode = dns.OpcodeNotify

	w := &fakeResponseWriter{}
	s.srv.ServeDNS(w, req)

	s.Require().NotNil(w.written)
	s.Equal(dns.RcodeRefused, w.written.Rcode)
}

func (s *ServerTestSuite) TestRejectsUnsupportedEdnsVersion() {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT
	opt.SetUDPSize(1232)
	opt.SetVersion(1)
	req.Extra = append(req.Extra, opt)

	w := &fakeResponseWriter{}
	s.srv.ServeDNS(w, req)

	s.Require().NotNil(w.written)
	s.Equal(dns.RcodeBadVers, w.written.Rcode)
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}
