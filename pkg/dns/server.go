package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/types"
)

const (
	// DefaultListenAddr is where the development DNS server listens
	DefaultListenAddr = "127.0.0.1:5353"
)

// Server answers DNS queries from a MemoryProvider. It stands in for a real
// DNS host in development setups and in tests of the Resolver.
type Server struct {
	records    *MemoryProvider
	dnsServer  *dns.Server
	listenAddr string
	upstream   []string // External DNS servers for forwarding
	mu         sync.RWMutex
	running    bool
	addr       string
}

// ServerConfig holds DNS server configuration
type ServerConfig struct {
	ListenAddr string   // Address to listen on (default: 127.0.0.1:5353)
	Upstream   []string // Servers for names the provider does not hold; empty answers NXDOMAIN
}

// NewServer creates a new DNS server
func NewServer(records *MemoryProvider, config *ServerConfig) *Server {
	if config == nil {
		config = &ServerConfig{}
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}

	return &Server{
		records:    records,
		listenAddr: config.ListenAddr,
		upstream:   config.Upstream,
	}
}

// Start starts the DNS server and returns once it is listening
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("DNS server already running")
	}

	pc, err := net.ListenPacket("udp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSQuery)

	started := make(chan struct{})
	s.dnsServer = &dns.Server{
		PacketConn:        pc,
		Handler:           mux,
		NotifyStartedFunc: func() { close(started) },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.dnsServer.ActivateAndServe(); err != nil {
			log.Logger.Error().
				Err(err).
				Str("component", "dns").
				Msg("DNS server error")
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		_ = s.dnsServer.Shutdown()
		return ctx.Err()
	case <-started:
	}

	s.running = true
	s.addr = pc.LocalAddr().String()
	log.Logger.Info().
		Str("component", "dns").
		Str("address", s.addr).
		Msg("DNS server started")
	return nil
}

// Addr returns the address the server is listening on
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if err := s.dnsServer.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop DNS server: %w", err)
	}
	return nil
}

// IsRunning returns true if the DNS server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) handleDNSQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		answers := s.answer(q)
		if len(answers) == 0 {
			if len(s.upstream) > 0 {
				s.forwardQuery(w, r)
				return
			}
			msg.Rcode = dns.RcodeNameError
			continue
		}
		msg.Answer = append(msg.Answer, answers...)
	}

	if err := w.WriteMsg(msg); err != nil {
		log.Logger.Error().
			Err(err).
			Str("component", "dns").
			Msg("failed to write DNS response")
	}
}

// answer resolves q from the provider, chasing CNAMEs the provider also holds
func (s *Server) answer(q dns.Question) []dns.RR {
	var out []dns.RR
	name := q.Name
	for depth := 0; depth < 8; depth++ {
		record, ok := s.records.Lookup(name)
		if !ok {
			return out
		}
		hdr := dns.RR_Header{Name: dns.Fqdn(name), Class: dns.ClassINET, Ttl: 60}

		switch record.Type {
		case types.DNSRecordCNAME:
			hdr.Rrtype = dns.TypeCNAME
			out = append(out, &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(record.Value)})
			if q.Qtype == dns.TypeCNAME {
				return out
			}
			name = record.Value
			continue
		case types.DNSRecordA:
			if q.Qtype == dns.TypeA {
				hdr.Rrtype = dns.TypeA
				out = append(out, &dns.A{Hdr: hdr, A: net.ParseIP(record.Value)})
			}
		case types.DNSRecordTXT:
			if q.Qtype == dns.TypeTXT {
				hdr.Rrtype = dns.TypeTXT
				out = append(out, &dns.TXT{Hdr: hdr, Txt: []string{record.Value}})
			}
		case types.DNSRecordNS:
			if q.Qtype == dns.TypeNS {
				hdr.Rrtype = dns.TypeNS
				out = append(out, &dns.NS{Hdr: hdr, Ns: dns.Fqdn(strings.TrimSuffix(record.Value, "."))})
			}
		}
		return out
	}
	return out
}

// forwardQuery forwards a DNS query to upstream DNS servers
func (s *Server) forwardQuery(w dns.ResponseWriter, r *dns.Msg) {
	client := &dns.Client{Net: "udp"}

	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			log.Logger.Debug().
				Err(err).
				Str("component", "dns").
				Str("upstream", upstream).
				Msg("failed to forward query to upstream")
			continue
		}

		if err := w.WriteMsg(resp); err != nil {
			log.Logger.Error().
				Err(err).
				Str("component", "dns").
				Msg("failed to write forwarded DNS response")
		}
		return
	}

	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure

	if err := w.WriteMsg(msg); err != nil {
		log.Logger.Error().
			Err(err).
			Str("component", "dns").
			Msg("failed to write DNS error response")
	}
}
