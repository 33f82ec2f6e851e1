// Package server exposes the resolver over DNS on UDP and TCP.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"

	"github.com/lc/recurse/internal/dnsmsg"
	"github.com/lc/recurse/internal/engine"
	"github.com/lc/recurse/internal/log"
)

// How long one client request may occupy a handler goroutine. Kept above
// the engine's own resolution deadline so the engine answers first.
const _handlerTimeout = 30 * time.Second

// ErrNoEngine is returned when the server is constructed without an engine.
var ErrNoEngine = errors.New("server requires an engine")

// Server answers DNS queries by submitting them to the engine.
type Server struct {
	eng  *engine.Engine
	addr string

	udp *dns.Server
	tcp *dns.Server
}

var _ dns.Handler = (*Server)(nil)

// New creates a Server listening on addr once started.
func New(eng *engine.Engine, addr string) (*Server, error) {
	if eng == nil {
		return nil, ErrNoEngine
	}
	s := &Server{eng: eng, addr: addr}
	s.udp = &dns.Server{Addr: addr, Net: "udp", Handler: s}
	s.tcp = &dns.Server{Addr: addr, Net: "tcp", Handler: s}
	return s, nil
}

// ListenAndServe starts the UDP and TCP listeners and blocks until one of
// them fails or the server is shut down.
func (s *Server) ListenAndServe() error {
	errChan := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		log.Infof("server: listening on %s/udp", s.addr)
		errChan <- s.udp.ListenAndServe()
	}()
	go func() {
		defer wg.Done()
		log.Infof("server: listening on %s/tcp", s.addr)
		errChan <- s.tcp.ListenAndServe()
	}()

	wg.Wait()
	close(errChan)

	var err error
	for e := range errChan {
		err = multierr.Append(err, e)
	}
	return err
}

// Shutdown stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	return multierr.Append(
		s.udp.ShutdownContext(ctx),
		s.tcp.ShutdownContext(ctx),
	)
}

// ServeDNS handles a single client request. It runs on a per-request
// goroutine owned by the dns server, so blocking here is fine.
func (s *Server) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	if len(req.Question) != 1 || req.Opcode != dns.OpcodeQuery {
		s.refuse(w, req, dns.RcodeRefused)
		return
	}

	q := req.Question[0]
	qinfo := dnsmsg.QueryInfo{
		Name:             q.Name,
		Type:             q.Qtype,
		Class:            q.Qclass,
		CheckingDisabled: req.CheckingDisabled,
	}
	edns := dnsmsg.EdnsFromMsg(req)
	if edns.Present && edns.Version > dnsmsg.AdvertisedVersion {
		s.refuse(w, req, dns.RcodeBadVers)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), _handlerTimeout)
	defer cancel()

	// The engine invokes done from its processing loop; it must never
	// block there, so the channel is buffered.
	answerChan := make(chan []byte, 1)
	err := s.eng.Resolve(ctx, qinfo, dnsmsg.FlagsFromMsg(req), edns, func(answer []byte) {
		answerChan <- answer
	})
	if err != nil {
		log.Warnf("server: submitting %s: %v", qinfo, err)
		s.refuse(w, req, dns.RcodeServerFailure)
		return
	}

	select {
	case answer := <-answerChan:
		s.reply(w, req, answer)
	case <-ctx.Done():
		log.Warnf("server: %s timed out waiting for the engine", qinfo)
		s.refuse(w, req, dns.RcodeServerFailure)
	}
}

// reply unpacks the engine's wire answer and writes it with the client's
// transaction ID.
func (s *Server) reply(w dns.ResponseWriter, req *dns.Msg, answer []byte) {
	m := new(dns.Msg)
	if err := m.Unpack(answer); err != nil {
		log.Errorf("server: unpacking engine answer: %v", err)
		s.refuse(w, req, dns.RcodeServerFailure)
		return
	}
	m.Id = req.Id
	if err := w.WriteMsg(m); err != nil {
		log.Debugf("server: writing response: %v", err)
	}
}

func (s *Server) refuse(w dns.ResponseWriter, req *dns.Msg, rcode int) {
	m := new(dns.Msg)
	m.SetRcode(req, rcode)
	if err := w.WriteMsg(m); err != nil {
		log.Debugf("server: writing refusal: %v", err)
	}
}
