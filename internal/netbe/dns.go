package netbe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// dnsForwarder answers A queries from inside the user-mode stack by
// delegating to the host resolver. The guest points its resolver at the
// stack's gateway address.
type dnsForwarder struct {
	server *dns.Server
	lookup func(name string) (string, error)
}

func startDNSForwarder(s *stack.Stack) (*dnsForwarder, error) {
	conn, err := hostUDPConn(s, 53)
	if err != nil {
		return nil, err
	}
	fwd := &dnsForwarder{lookup: hostResolve}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", fwd.handleRequest)
	fwd.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: conn,
	}
	go func() {
		if err := fwd.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Error("netbe: dns forwarder exited", "err", err)
		}
	}()
	return fwd, nil
}

func (f *dnsForwarder) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = f.server.ShutdownContext(ctx)
	if f.server.PacketConn != nil {
		_ = f.server.PacketConn.Close()
	}
}

func (f *dnsForwarder) handleRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		ip, err := f.lookup(q.Name)
		if err != nil || ip == "" {
			slog.Debug("netbe: dns lookup failed", "name", q.Name, "err", err)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s A %s", q.Name, ip))
		if err != nil {
			slog.Debug("netbe: dns rr", "err", err)
			continue
		}
		m.Answer = append(m.Answer, rr)
	}

	_ = w.WriteMsg(m)
}
