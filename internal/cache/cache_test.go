package cache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/suite"

	"github.com/lc/recurse/internal/dnsmsg"
)

type CacheTestSuite struct {
	suite.Suite
	msgs *Messages
	dels *Delegations
	now  time.Time
}

func (s *CacheTestSuite) SetupTest() {
	var err error
	s.msgs, err = NewMessages(64)
	s.Require().NoError(err)
	s.dels, err = NewDelegations(64)
	s.Require().NoError(err)

	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return s.now }
}

func (s *CacheTestSuite) TearDownTest() {
	nowFunc = time.Now
}

func (s *CacheTestSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *CacheTestSuite) rr(text string) dns.RR {
	rr, err := dns.NewRR(text)
	s.Require().NoError(err)
	return rr
}

func (s *CacheTestSuite) answer(rrs ...string) *dns.Msg {
	m := new(dns.Msg)
	m.Response = true
	for _, t := range rrs {
		m.Answer = append(m.Answer, s.rr(t))
	}
	return m
}

func (s *CacheTestSuite) TestMessageRoundTrip() {
	qinfo := dnsmsg.QueryInfo{Name: "example.com.", Type: dns.TypeA, Class: dns.ClassINET}
	s.msgs.Store(qinfo, s.answer("example.com. 300 IN A 192.0.2.1"))

	got := s.msgs.Lookup("example.com.", dns.TypeA, dns.ClassINET, false)
	s.Require().NotNil(got)
	s.Require().Len(got.Answer, 1)
	s.Equal(uint32(300), got.Answer[0].Header().Ttl)

	// Misses on a different type, class, or CD bit.
	s.Nil(s.msgs.Lookup("example.com.", dns.TypeAAAA, dns.ClassINET, false))
	s.Nil(s.msgs.Lookup("example.com.", dns.TypeA, dns.ClassCHAOS, false))
	s.Nil(s.msgs.Lookup("example.com.", dns.TypeA, dns.ClassINET, true))
}

func (s *CacheTestSuite) TestLookupIsCaseInsensitive() {
	qinfo := dnsmsg.QueryInfo{Name: "Example.COM.", Type: dns.TypeA, Class: dns.ClassINET}
	s.msgs.Store(qinfo, s.answer("example.com. 300 IN A 192.0.2.1"))

	s.NotNil(s.msgs.Lookup("example.com.", dns.TypeA, dns.ClassINET, false))
}

func (s *CacheTestSuite) TestTTLsAgeWhileCached() {
	qinfo := dnsmsg.QueryInfo{Name: "example.com.", Type: dns.TypeA, Class: dns.ClassINET}
	s.msgs.Store(qinfo, s.answer("example.com. 300 IN A 192.0.2.1"))

	s.advance(100 * time.Second)
	got := s.msgs.Lookup("example.com.", dns.TypeA, dns.ClassINET, false)
	s.Require().NotNil(got)
	s.Equal(uint32(200), got.Answer[0].Header().Ttl)
}

func (s *CacheTestSuite) TestAgeingLeavesOptRecordAlone() {
	// An OPT Ttl packs the extended rcode and EDNS flags; ageing must not
	// touch it.
	m := s.answer("example.com. 300 IN A 192.0.2.1")
	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT
	opt.SetUDPSize(1232)
	opt.SetDo()
	m.Extra = append(m.Extra, opt)

	qinfo := dnsmsg.QueryInfo{Name: "example.com.", Type: dns.TypeA, Class: dns.ClassINET}
	s.msgs.Store(qinfo, m)

	s.advance(100 * time.Second)
	got := s.msgs.Lookup("example.com.", dns.TypeA, dns.ClassINET, false)
	s.Require().NotNil(got)
	s.Equal(uint32(200), got.Answer[0].Header().Ttl)

	s.Require().Len(got.Extra, 1)
	gotOpt, ok := got.Extra[0].(*dns.OPT)
	s.Require().True(ok)
	s.Equal(opt.Hdr.Ttl, gotOpt.Hdr.Ttl)
	s.True(gotOpt.Do())
}

func (s *CacheTestSuite) TestExpiredMessageIsGone() {
	qinfo := dnsmsg.QueryInfo{Name: "example.com.", Type: dns.TypeA, Class: dns.ClassINET}
	s.msgs.Store(qinfo, s.answer("example.com. 300 IN A 192.0.2.1"))

	s.advance(301 * time.Second)
	s.Nil(s.msgs.Lookup("example.com.", dns.TypeA, dns.ClassINET, false))
	s.Equal(0, s.msgs.Len())
}

func (s *CacheTestSuite) TestNegativeAnswersExpireQuickly() {
	m := new(dns.Msg)
	m.Response = true
	m.Rcode = dns.RcodeNameError
	qinfo := dnsmsg.QueryInfo{Name: "nope.example.com.", Type: dns.TypeA, Class: dns.ClassINET}
	s.msgs.Store(qinfo, m)

	s.NotNil(s.msgs.Lookup("nope.example.com.", dns.TypeA, dns.ClassINET, false))
	s.advance(negativeTTL + time.Second)
	s.Nil(s.msgs.Lookup("nope.example.com.", dns.TypeA, dns.ClassINET, false))
}

func (s *CacheTestSuite) TestLookupReturnsACopy() {
	qinfo := dnsmsg.QueryInfo{Name: "example.com.", Type: dns.TypeA, Class: dns.ClassINET}
	s.msgs.Store(qinfo, s.answer("example.com. 300 IN A 192.0.2.1"))

	first := s.msgs.Lookup("example.com.", dns.TypeA, dns.ClassINET, false)
	first.Answer[0].Header().Ttl = 1

	second := s.msgs.Lookup("example.com.", dns.TypeA, dns.ClassINET, false)
	s.Equal(uint32(300), second.Answer[0].Header().Ttl)
}

func (s *CacheTestSuite) TestFlush() {
	qinfo := dnsmsg.QueryInfo{Name: "example.com.", Type: dns.TypeA, Class: dns.ClassINET}
	s.msgs.Store(qinfo, s.answer("example.com. 300 IN A 192.0.2.1"))
	s.Equal(1, s.msgs.Len())

	s.msgs.Flush()
	s.Equal(0, s.msgs.Len())
}

func (s *CacheTestSuite) referral() *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion("www.example.com.", dns.TypeA)
	m.Response = true
	m.Ns = append(m.Ns,
		s.rr("example.com. 172800 IN NS ns1.example.com."),
		s.rr("example.com. 172800 IN NS ns2.example.com."))
	m.Extra = append(m.Extra,
		s.rr("ns1.example.com. 172800 IN A 192.0.2.1"),
		s.rr("ns1.example.com. 172800 IN AAAA 2001:db8::1"))
	return m
}

func (s *CacheTestSuite) TestDelegationWalksToDeepestCut() {
	s.dels.StoreNS(s.referral())

	root := new(dns.Msg)
	root.SetQuestion(".", dns.TypeNS)
	root.Response = true
	root.Answer = append(root.Answer, s.rr(". 518400 IN NS a.root-servers.net."))
	root.Extra = append(root.Extra, s.rr("a.root-servers.net. 518400 IN A 198.41.0.4"))
	s.dels.StoreNS(root)

	dp := s.dels.Delegation("www.example.com.", dns.ClassINET)
	s.Require().NotNil(dp)
	s.Equal("example.com.", dp.Zone)
	s.Require().Len(dp.Servers, 2)
	s.Equal("ns1.example.com.", dp.Servers[0].Name)
	s.Equal([]string{"192.0.2.1", "2001:db8::1"}, dp.Servers[0].Addrs)
	s.Empty(dp.Servers[1].Addrs)

	// An unrelated name falls back to the root cut.
	dp = s.dels.Delegation("www.example.org.", dns.ClassINET)
	s.Require().NotNil(dp)
	s.Equal(".", dp.Zone)
}

func (s *CacheTestSuite) TestDelegationMissMeansPrime() {
	s.Nil(s.dels.Delegation("www.example.com.", dns.ClassINET))
}

func (s *CacheTestSuite) TestDelegationExpires() {
	s.dels.StoreNS(s.referral())
	s.NotNil(s.dels.Delegation("www.example.com.", dns.ClassINET))

	s.advance(172801 * time.Second)
	s.Nil(s.dels.Delegation("www.example.com.", dns.ClassINET))
}

func (s *CacheTestSuite) TestDelegationReturnsFreshServers() {
	s.dels.StoreNS(s.referral())

	dp := s.dels.Delegation("www.example.com.", dns.ClassINET)
	s.Require().NotNil(dp)
	dp.Servers[0].Addrs = nil

	again := s.dels.Delegation("www.example.com.", dns.ClassINET)
	s.Require().NotNil(again)
	s.NotEmpty(again.Servers[0].Addrs)
}

func TestCacheTestSuite(t *testing.T) {
	suite.Run(t, new(CacheTestSuite))
}
