package discovery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

const DefaultTimeout = 20 * time.Second

var ErrNoMatch = errors.New("no matching service found")

// Finder resolves hosts advertised over mDNS.
type Finder struct {
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewFinder(timeout time.Duration, log *zap.SugaredLogger) *Finder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Finder{
		timeout: timeout,
		log:     log,
	}
}

// FindFirst returns the address of the first service of serviceType whose
// instance name starts with namePrefix. It gives up with ErrNoMatch once the
// timeout elapses.
func (f *Finder) FindFirst(ctx context.Context, serviceType string, namePrefix string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	// mdns drops entries when the channel is full
	entries := make(chan *mdns.ServiceEntry, 32)
	queryErr := make(chan error, 1)

	go func() {
		params := &mdns.QueryParam{
			Service:     serviceType,
			Domain:      "local",
			Timeout:     f.timeout,
			Entries:     entries,
			DisableIPv6: true,
		}
		queryErr <- mdns.QueryContext(ctx, params)
		close(entries)
	}()

	for entry := range entries {
		f.log.Debugw("mDNS entry", "name", entry.Name, "addr", entry.AddrV4, "port", entry.Port)

		if host, ok := matchEntry(entry, serviceType, namePrefix); ok {
			cancel()
			return host, nil
		}
	}

	if err := <-queryErr; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return "", err
	}

	return "", ErrNoMatch
}

// matchEntry applies the prefix rule to the instance part of the entry name.
// Devices append an instance suffix to their advertised name, so this is never
// an exact comparison.
func matchEntry(entry *mdns.ServiceEntry, serviceType string, namePrefix string) (string, bool) {
	if !strings.HasPrefix(instanceName(entry.Name, serviceType), namePrefix) {
		return "", false
	}

	if entry.AddrV4 != nil {
		return entry.AddrV4.String(), true
	}

	if host := strings.TrimSuffix(entry.Host, "."); host != "" {
		return host, true
	}

	return "", false
}

// instanceName strips the service type and domain from a full mDNS name and
// unescapes it, "DUCO\ [a0b1c2]._http._tcp.local." becomes "DUCO [a0b1c2]".
func instanceName(name string, serviceType string) string {
	if i := strings.Index(name, "."+serviceType); i >= 0 {
		name = name[:i]
	}

	return strings.ReplaceAll(name, `\`, "")
}
