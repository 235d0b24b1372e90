package tor

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// NetworkProbe checks whether the Tor network is actually reachable
// through the daemon's own SOCKS port, a stronger signal than the
// bootstrap-percentage/NOTICE-derived TorState alone: a daemon can
// report 100% bootstrapped and still be unable to build a working
// circuit against a given target.
type NetworkProbe interface {
	// Probe dials target (host:port) through the daemon's discovered
	// SOCKS listener and reports whether the connection succeeded.
	Probe(ctx context.Context, target string) error
}

// socksNetworkProbe is the default NetworkProbe: it reads the live
// SOCKS listener address out of a RuntimeStateManager and dials
// through it with a golang.org/x/net/proxy SOCKS5 client.
type socksNetworkProbe struct {
	runtime *RuntimeStateManager
	timeout time.Duration
}

// NewSocksNetworkProbe returns a NetworkProbe that dials through
// whichever SOCKS listener address runtime currently reports.
func NewSocksNetworkProbe(runtime *RuntimeStateManager) NetworkProbe {
	return &socksNetworkProbe{runtime: runtime, timeout: 10 * time.Second}
}

func (p *socksNetworkProbe) Probe(ctx context.Context, target string) error {
	listeners := p.runtime.Listeners()
	var socksAddr string
	for addr := range listeners.Socks {
		socksAddr = addr
		break
	}
	if socksAddr == "" {
		return errors.New("tor: no SOCKS listener known yet")
	}

	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return err
	}

	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := dialer.Dial("tcp", target)
		resultCh <- dialResult{conn, err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return res.err
		}
		return res.conn.Close()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return errors.New("tor: network probe timed out")
	}
}
