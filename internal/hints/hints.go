// Package hints provides the root server hints used to prime an empty
// delegation cache. A compiled-in copy of the IANA root server list is used
// unless a root hints zone file is configured.
package hints

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/lc/recurse/internal/filesys"
)

// ErrNoServers is returned when a hints file yields no usable servers.
var ErrNoServers = errors.New("no root servers in hints")

// Server is one root server: its name and the glue addresses we know for it.
type Server struct {
	Name  string
	Addrs []string
}

// Hints holds the set of servers used for priming queries.
type Hints struct {
	servers []Server
}

// compiled-in IANA root servers, refreshed from the published root hints.
var rootServers = []Server{
	{Name: "a.root-servers.net.", Addrs: []string{"198.41.0.4", "2001:503:ba3e::2:30"}},
	{Name: "b.root-servers.net.", Addrs: []string{"170.247.170.2", "2801:1b8:10::b"}},
	{Name: "c.root-servers.net.", Addrs: []string{"192.33.4.12", "2001:500:2::c"}},
	{Name: "d.root-servers.net.", Addrs: []string{"199.7.91.13", "2001:500:2d::d"}},
	{Name: "e.root-servers.net.", Addrs: []string{"192.203.230.10", "2001:500:a8::e"}},
	{Name: "f.root-servers.net.", Addrs: []string{"192.5.5.241", "2001:500:2f::f"}},
	{Name: "g.root-servers.net.", Addrs: []string{"192.112.36.4", "2001:500:12::d0d"}},
	{Name: "h.root-servers.net.", Addrs: []string{"198.97.190.53", "2001:500:1::53"}},
	{Name: "i.root-servers.net.", Addrs: []string{"192.36.148.17", "2001:7fe::53"}},
	{Name: "j.root-servers.net.", Addrs: []string{"192.58.128.30", "2001:503:c27::2:30"}},
	{Name: "k.root-servers.net.", Addrs: []string{"193.0.14.129", "2001:7fd::1"}},
	{Name: "l.root-servers.net.", Addrs: []string{"199.7.83.42", "2001:500:9f::42"}},
	{Name: "m.root-servers.net.", Addrs: []string{"202.12.27.33", "2001:dc3::35"}},
}

// Default returns the compiled-in IANA root hints.
func Default() *Hints {
	servers := make([]Server, len(rootServers))
	copy(servers, rootServers)
	return &Hints{servers: servers}
}

// Load reads a root hints zone file (the named.root format distributed by
// InterNIC) and returns the servers it declares.
func Load(fs filesys.ReadWriteFS, path string) (*Hints, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading hints file: %w", err)
	}
	return Parse(string(data))
}

// Parse parses zone-file text into hints. NS records at the root name the
// servers; A and AAAA records supply their addresses.
func Parse(text string) (*Hints, error) {
	names := make([]string, 0, 16)
	addrs := make(map[string][]string)

	zp := dns.NewZoneParser(strings.NewReader(text), ".", "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		switch t := rr.(type) {
		case *dns.NS:
			names = append(names, strings.ToLower(t.Ns))
		case *dns.A:
			n := strings.ToLower(t.Hdr.Name)
			addrs[n] = append(addrs[n], t.A.String())
		case *dns.AAAA:
			n := strings.ToLower(t.Hdr.Name)
			addrs[n] = append(addrs[n], t.AAAA.String())
		}
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("parsing hints: %w", err)
	}

	var servers []Server
	for _, n := range names {
		servers = append(servers, Server{Name: n, Addrs: addrs[n]})
	}
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	return &Hints{servers: servers}, nil
}

// Servers returns the hinted root servers.
func (h *Hints) Servers() []Server {
	return h.servers
}

// Addresses returns every hinted server address, in server order.
func (h *Hints) Addresses() []string {
	var out []string
	for _, s := range h.servers {
		out = append(out, s.Addrs...)
	}
	return out
}
