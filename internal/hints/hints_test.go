package hints

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lc/recurse/internal/mocks"
)

const namedRoot = `
;       This file holds the information on root name servers needed to
;       initialize cache of Internet domain name servers
.                        3600000      NS    A.ROOT-SERVERS.NET.
A.ROOT-SERVERS.NET.      3600000      A     198.41.0.4
A.ROOT-SERVERS.NET.      3600000      AAAA  2001:503:ba3e::2:30
.                        3600000      NS    B.ROOT-SERVERS.NET.
B.ROOT-SERVERS.NET.      3600000      A     170.247.170.2
`

type HintsTestSuite struct {
	suite.Suite
}

func (s *HintsTestSuite) TestDefaultHasThirteenServers() {
	h := Default()
	s.Len(h.Servers(), 13)
	for _, srv := range h.Servers() {
		s.NotEmpty(srv.Addrs)
	}
}

func (s *HintsTestSuite) TestParseNamedRoot() {
	h, err := Parse(namedRoot)
	s.Require().NoError(err)

	servers := h.Servers()
	s.Require().Len(servers, 2)
	s.Equal("a.root-servers.net.", servers[0].Name)
	s.Equal([]string{"198.41.0.4", "2001:503:ba3e::2:30"}, servers[0].Addrs)
	s.Equal("b.root-servers.net.", servers[1].Name)

	s.Equal([]string{"198.41.0.4", "2001:503:ba3e::2:30", "170.247.170.2"}, h.Addresses())
}

func (s *HintsTestSuite) TestLoadReadsHintsFile() {
	fs := &mocks.MockOsFS{}
	fs.On("ReadFile", "/etc/recurse/named.root").Return([]byte(namedRoot), nil)

	h, err := Load(fs, "/etc/recurse/named.root")
	s.Require().NoError(err)
	s.Len(h.Servers(), 2)
	fs.AssertExpectations(s.T())
}

func (s *HintsTestSuite) TestLoadFileError() {
	fs := &mocks.MockOsFS{}
	fs.On("ReadFile", "/missing/named.root").Return(nil, errors.New("no such file"))

	_, err := Load(fs, "/missing/named.root")
	s.Error(err)
	s.Contains(err.Error(), "reading hints file")
}

func (s *HintsTestSuite) TestParseEmpty() {
	_, err := Parse("; nothing but comments\n")
	s.ErrorIs(err, ErrNoServers)
}

func (s *HintsTestSuite) TestParseGarbage() {
	_, err := Parse("this is not a zone file")
	s.Error(err)
}

func TestHintsTestSuite(t *testing.T) {
	suite.Run(t, new(HintsTestSuite))
}
