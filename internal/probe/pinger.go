// Package probe implements the ICMP reachability source: one echo
// request per tracked device per polling round, with a bounded timeout.
// A timeout, a resolution failure, or a socket error all read as "not
// reachable" — the state machine treats a failed probe as a miss
// sample, never as a sample to drop.
//
// Probes within a round run in parallel for latency; results are
// collected into a single snapshot map that the monitor then feeds
// through the state machine sequentially.
package probe

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// payload identifies our echo requests in packet captures.
var payload = []byte("presenced-probe")

// Pinger probes IPv4 addresses with ICMP echo requests. It prefers an
// unprivileged datagram ICMP socket (available on Linux with
// net.ipv4.ping_group_range set, and on macOS by default) and falls
// back to a raw socket, which requires CAP_NET_RAW or root.
type Pinger struct {
	timeout time.Duration
	logger  *slog.Logger
	seq     atomic.Uint32
}

// NewPinger creates a pinger with the given per-probe timeout.
func NewPinger(timeout time.Duration, logger *slog.Logger) *Pinger {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Pinger{timeout: timeout, logger: logger}
}

// ProbeAll sends one echo request per address and returns a snapshot
// with an entry for every input address. Probes run in parallel;
// failures and timeouts map to false.
func (p *Pinger) ProbeAll(ctx context.Context, addrs []string) map[string]bool {
	results := make(map[string]bool, len(addrs))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			ok := p.Probe(ctx, addr)
			mu.Lock()
			results[addr] = ok
			mu.Unlock()
		}(addr)
	}
	wg.Wait()

	return results
}

// Probe sends a single echo request and reports whether a reply
// arrived within the timeout. Any failure reads as false.
func (p *Pinger) Probe(ctx context.Context, addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		p.logger.Warn("probe address is not an IPv4 address", "addr", addr)
		return false
	}

	conn, privileged, err := p.listen()
	if err != nil {
		p.logger.Warn("icmp listen failed", "addr", addr, "error", err)
		return false
	}
	defer conn.Close()

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: payload,
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		p.logger.Warn("icmp marshal failed", "addr", addr, "error", err)
		return false
	}

	var dst net.Addr
	if privileged {
		dst = &net.IPAddr{IP: ip}
	} else {
		dst = &net.UDPAddr{IP: ip}
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		p.logger.Warn("icmp set deadline failed", "addr", addr, "error", err)
		return false
	}

	if _, err := conn.WriteTo(wire, dst); err != nil {
		p.logger.Debug("icmp write failed", "addr", addr, "error", err)
		return false
	}

	// Read until our reply, someone else's traffic, or the deadline.
	// The datagram socket demultiplexes the echo ID for us, but other
	// message types (time exceeded, unreachable) can still arrive.
	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return false
		}

		parsed, err := icmp.ParseMessage(ipv4.ICMPTypeEchoReply.Protocol(), buf[:n])
		if err != nil {
			continue
		}
		if parsed.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}

		p.logger.Debug("probe reply", "addr", addr, "peer", peer.String())
		return true
	}
}

// listen opens an ICMP socket, preferring the unprivileged datagram
// flavor. The bool reports whether the raw (privileged) socket is in
// use, which changes the destination address family for WriteTo.
func (p *Pinger) listen() (*icmp.PacketConn, bool, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err == nil {
		return conn, false, nil
	}

	conn, rawErr := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if rawErr != nil {
		// Report the unprivileged error; it has the actionable hint.
		return nil, false, err
	}
	return conn, true, nil
}
