package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// DefaultServices are the DNS-SD types LXI instruments advertise.
var DefaultServices = []string{"_scpi-raw._tcp", "_lxi._tcp"}

// Host represents a discovered SCPI-capable instrument.
type Host struct {
	Instance  string // Advertised name: "RIGOL DS1104Z-Plus"
	Service   string // "_scpi-raw._tcp"
	Hostname  string // DNS hostname: "ds1104z.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// IPv4 returns the first IPv4 address, or "" when there is none.
func (h Host) IPv4() string {
	for _, ip := range h.Addresses {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}

// DiscoverInstruments browses every service for timeout and returns cleaned,
// deduplicated hosts sorted by instance name. One resolver is used per
// service.
func DiscoverInstruments(ctx context.Context, services []string, timeout time.Duration) ([]Host, error) {
	if len(services) == 0 {
		services = DefaultServices
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu        sync.Mutex
		resultMap = make(map[string]Host)
		wg        sync.WaitGroup
	)
	for _, service := range services {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("resolver error: %w", err)
		}

		entries := make(chan *zeroconf.ServiceEntry)
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect(ctx, entries, func(h Host) {
				mu.Lock()
				resultMap[key(h)] = h
				mu.Unlock()
			})
		}()

		if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
			cancel()
			wg.Wait()
			return nil, fmt.Errorf("browse %s: %w", service, err)
		}
	}
	wg.Wait()

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	sortHosts(out)
	return out, nil
}

// collect drains entries until the channel closes or ctx is done.
func collect(ctx context.Context, entries <-chan *zeroconf.ServiceEntry, add func(Host)) {
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return
			}
			if e == nil {
				continue
			}
			add(hostFromEntry(e))
		case <-ctx.Done():
			return
		}
	}
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	// Consolidate IPs (both v4 and v6)
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Service:   e.Service,
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

// key merges the same instrument seen through several services.
func key(h Host) string {
	if h.Hostname != "" {
		return h.Hostname
	}
	return h.Instance
}

func sortHosts(hosts []Host) {
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Instance < hosts[j].Instance })
}

// SelectInstrument picks the first host with an IPv4 address whose instance
// name or TXT records contain marker (case-insensitive). An empty marker
// matches any host.
func SelectInstrument(hosts []Host, marker string) (Host, error) {
	marker = strings.ToUpper(marker)
	for _, h := range hosts {
		if h.IPv4() == "" {
			continue
		}
		if marker == "" || matches(h, marker) {
			return h, nil
		}
	}
	return Host{}, fmt.Errorf("no instrument matching %q among %d discovered host(s)", marker, len(hosts))
}

func matches(h Host, marker string) bool {
	if strings.Contains(strings.ToUpper(h.Instance), marker) {
		return true
	}
	for _, txt := range h.TXT {
		if strings.Contains(strings.ToUpper(txt), marker) {
			return true
		}
	}
	return false
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
