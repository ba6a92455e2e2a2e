package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/acorn-io/acorn-ddns/pkg/metrics"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	maxQuestions      = 8
	ioTimeout         = 2 * time.Second
	shutdownTimeout   = 5 * time.Second
	minEvictionPeriod = time.Second

	qrBit = 1 << 15
)

// Server runs the resolver on a UDP and a TCP listener.
type Server struct {
	addr     string
	resolver *Resolver
	log      *logrus.Entry
}

func NewServer(addr string, r *Resolver, log *logrus.Entry) *Server {
	return &Server{addr: addr, resolver: r, log: log}
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on udp %s: %w", s.addr, err)
	}
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		pc.Close()
		return fmt.Errorf("listening on tcp %s: %w", s.addr, err)
	}
	return s.Serve(ctx, pc, l)
}

// Serve serves on the given listeners until ctx is done or either server
// fails. miekg/dns handles every query on its own goroutine, so a slow store
// only delays that query.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn, l net.Listener) error {
	servers := []*dns.Server{
		s.newServer("udp", pc, nil),
		s.newServer("tcp", nil, l),
	}

	errCh := make(chan error, len(servers))
	started := make([]chan struct{}, len(servers))
	for i, srv := range servers {
		started[i] = make(chan struct{})
		ch := started[i]
		srv.NotifyStartedFunc = func() { close(ch) }
		go func(srv *dns.Server) {
			errCh <- srv.ActivateAndServe()
		}(srv)
	}

	for i := range servers {
		select {
		case <-started[i]:
		case err := <-errCh:
			s.shutdown(servers)
			return err
		}
	}

	if s.resolver.cache != nil {
		period := s.resolver.cache.ttl
		if period < minEvictionPeriod {
			period = minEvictionPeriod
		}
		go wait.Until(s.evictCache, period, ctx.Done())
	}

	s.log.WithFields(logrus.Fields{
		"udp": pc.LocalAddr().String(),
		"tcp": l.Addr().String(),
	}).Info("dns server listening")

	select {
	case <-ctx.Done():
		s.log.Info("shutting down the dns server")
		s.shutdown(servers)
		return nil
	case err := <-errCh:
		s.shutdown(servers)
		return err
	}
}

func (s *Server) newServer(network string, pc net.PacketConn, l net.Listener) *dns.Server {
	return &dns.Server{
		Net:           network,
		PacketConn:    pc,
		Listener:      l,
		Handler:       s.resolver,
		ReadTimeout:   ioTimeout,
		WriteTimeout:  ioTimeout,
		MsgAcceptFunc: acceptQuery,
		DecorateReader: func(r dns.Reader) dns.Reader {
			return &validatingReader{Reader: r}
		},
	}
}

func (s *Server) shutdown(servers []*dns.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.ShutdownContext(ctx); err != nil {
			s.log.WithError(err).WithField("net", srv.Net).Debug("dns server shutdown")
		}
	}
}

func (s *Server) evictCache() {
	if n := s.resolver.cache.evict(); n > 0 {
		s.log.Debugf("evicted %d expired cache entries", n)
	}
}

// acceptQuery ignores anything that is not a plain query, so no FORMERR or
// NOTIMP reply is ever generated for junk.
func acceptQuery(dh dns.Header) dns.MsgAcceptAction {
	opcode := int(dh.Bits>>11) & 0xF
	switch {
	case dh.Bits&qrBit != 0:
		return dns.MsgIgnore
	case opcode != dns.OpcodeQuery:
		return dns.MsgIgnore
	case dh.Qdcount == 0 || dh.Qdcount > maxQuestions:
		return dns.MsgIgnore
	case dh.Ancount != 0 || dh.Nscount != 0 || dh.Arcount > 1:
		return dns.MsgIgnore
	}
	return dns.MsgAccept
}

// validatingReader fully unpacks each packet before the server sees it and
// silently discards the ones that fail. The dns.Server would otherwise reply
// FORMERR to a packet whose body does not parse.
type validatingReader struct {
	dns.Reader
}

func (v *validatingReader) ReadUDP(conn *net.UDPConn, timeout time.Duration) ([]byte, *dns.SessionUDP, error) {
	for {
		m, session, err := v.Reader.ReadUDP(conn, timeout)
		if err != nil || wellFormed(m) {
			return m, session, err
		}
		metrics.DNSDropped.WithLabelValues("malformed").Inc()
	}
}

func (v *validatingReader) ReadPacketConn(conn net.PacketConn, timeout time.Duration) ([]byte, net.Addr, error) {
	pcr, ok := v.Reader.(dns.PacketConnReader)
	if !ok {
		return nil, nil, fmt.Errorf("reader does not support net.PacketConn")
	}
	for {
		m, addr, err := pcr.ReadPacketConn(conn, timeout)
		if err != nil || wellFormed(m) {
			return m, addr, err
		}
		metrics.DNSDropped.WithLabelValues("malformed").Inc()
	}
}

// ReadTCP fails the connection on a malformed message, which closes it
// without a reply.
func (v *validatingReader) ReadTCP(conn net.Conn, timeout time.Duration) ([]byte, error) {
	m, err := v.Reader.ReadTCP(conn, timeout)
	if err != nil {
		return nil, err
	}
	if !wellFormed(m) {
		metrics.DNSDropped.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("malformed dns message from %s", conn.RemoteAddr())
	}
	return m, nil
}

func wellFormed(m []byte) bool {
	msg := new(dns.Msg)
	if err := msg.Unpack(m); err != nil {
		return false
	}
	return !msg.Response && msg.Opcode == dns.OpcodeQuery &&
		len(msg.Question) > 0 && len(msg.Question) <= maxQuestions
}
