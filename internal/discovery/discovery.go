// Package discovery advertises and finds signaling hubs on the local
// network over mDNS.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
)

const (
	Service = "_jamsync._tcp"
	Domain  = "local."
)

// ErrNotFound is returned when no hub answered before the timeout.
var ErrNotFound = errors.New("no hub found on the local network")

// Advertise registers a hub listening on port until ctx is cancelled.
func Advertise(ctx context.Context, port int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("jamsync-%s", host),
		Service,
		Domain,
		port,
		[]string{"path=/ws"},
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "registering mDNS service")
	}
	defer server.Shutdown()
	logger.Info("mDNS service registered", "service", Service, "port", port)

	<-ctx.Done()
	return nil
}

// Browse waits up to timeout for the first hub and returns its websocket URL.
func Browse(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", errors.Wrap(err, "initializing mDNS resolver")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", errors.Wrap(err, "browsing mDNS services")
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if url, ok := entryURL(entry.AddrIPv4, entry.Port, entry.Text); ok {
				return url, nil
			}
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

func entryURL(addrs []net.IP, port int, txt []string) (string, bool) {
	if len(addrs) == 0 || port == 0 {
		return "", false
	}
	path := "/ws"
	for _, kv := range txt {
		if len(kv) > 5 && kv[:5] == "path=" {
			path = kv[5:]
		}
	}
	return "ws://" + net.JoinHostPort(addrs[0].String(), strconv.Itoa(port)) + path, true
}
