// Package netcheck verifies end-to-end internet connectivity.
//
// Link-layer "connected" does not imply working connectivity: captive
// portals, dead default routes and half-open VPN tunnels all report an
// interface as up. The probe confirms reachability by completing a real
// DNS exchange with a public resolver.
package netcheck

import (
	"context"
	"log/slog"
	"net"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"

	"github.com/ghettovoice/sipua/log"
)

const (
	// DefaultNameServer is the resolver queried by a zero-value [Probe].
	DefaultNameServer = "1.1.1.1:53"
	// DefaultTimeout bounds a single probe exchange.
	DefaultTimeout = 3 * time.Second
)

// Probe checks internet reachability with a DNS round trip.
// The zero value is usable and queries [DefaultNameServer].
type Probe struct {
	// NameServer is the DNS server address (e.g. "8.8.8.8:53").
	// If the port is omitted, 53 is used.
	NameServer string
	// Timeout bounds a single exchange. If zero, [DefaultTimeout] is used.
	Timeout time.Duration
	// Logger is the logger. If nil, [log.Default] is used.
	Logger *slog.Logger
}

// Check performs one probe exchange and returns the error, if any.
func (p *Probe) Check(ctx context.Context) error {
	m := new(dns.Msg)
	m.SetQuestion(".", dns.TypeNS)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: p.timeout()}
	resp, rtt, err := client.ExchangeContext(ctx, m, p.nameserver())
	if err != nil {
		return errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return errtrace.Wrap(&net.DNSError{
			Err:  dns.RcodeToString[resp.Rcode],
			Name: ".",
		})
	}

	p.log().LogAttrs(ctx, slog.LevelDebug, "connectivity probe succeeded",
		slog.String("nameserver", p.nameserver()),
		slog.Duration("rtt", rtt),
	)
	return nil
}

// HasRealInternet reports whether an end-to-end probe exchange succeeds.
func (p *Probe) HasRealInternet(ctx context.Context) bool {
	if err := p.Check(ctx); err != nil {
		p.log().LogAttrs(ctx, slog.LevelDebug, "connectivity probe failed",
			slog.String("nameserver", p.nameserver()),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

func (p *Probe) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultTimeout
}

func (p *Probe) nameserver() string {
	ns := p.NameServer
	if ns == "" {
		return DefaultNameServer
	}
	if _, _, err := net.SplitHostPort(ns); err != nil {
		return net.JoinHostPort(ns, "53") //nolint:nilerr
	}
	return ns
}

func (p *Probe) log() *slog.Logger {
	if p.Logger == nil {
		return log.Default()
	}
	return p.Logger
}
