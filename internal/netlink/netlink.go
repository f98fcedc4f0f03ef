// Package netlink observes the node's station-mode network link.
//
// Association with the access point is the operating system's job
// (wpa_supplicant, NetworkManager, iwd). A [Station] only watches the
// configured interface and reports it connected once the interface is
// up and carries a routable address.
package netlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ConnectionState is the link state as seen by a Station.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// ErrNoAddress is returned by [Station.Probe] when the interface is up
// but has no usable address yet.
var ErrNoAddress = errors.New("interface has no routable address")

// link is what a Station needs to know about an interface.
type link struct {
	up    bool
	addrs []net.Addr
}

// lookupFunc returns the current state of the named interface.
type lookupFunc func(name string) (link, error)

func systemLookup(name string) (link, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return link{}, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return link{}, fmt.Errorf("addresses of %s: %w", name, err)
	}
	return link{up: ifi.Flags&net.FlagUp != 0, addrs: addrs}, nil
}

// Station watches a single network interface.
type Station struct {
	iface  string
	poll   time.Duration
	logger *slog.Logger
	lookup lookupFunc

	mu    sync.Mutex
	state ConnectionState
	addr  net.IP
}

// NewStation creates a Station for iface, re-checking every poll
// interval while waiting.
func NewStation(iface string, poll time.Duration, logger *slog.Logger) *Station {
	if logger == nil {
		logger = slog.Default()
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Station{
		iface:  iface,
		poll:   poll,
		logger: logger,
		lookup: systemLookup,
	}
}

// Connect blocks until the interface is up with a routable address.
// There is no timeout: only ctx ends the wait. The password is never
// logged.
func (s *Station) Connect(ctx context.Context, ssid, psk string) error {
	s.setState(Connecting, nil)
	s.logger.Info("waiting for wifi",
		"interface", s.iface,
		"ssid", ssid,
		"psk_set", psk != "",
	)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	start := time.Now()
	polls := 0
	for {
		ip, err := s.check()
		if err == nil {
			s.setState(Connected, ip)
			s.logger.Info("wifi connected",
				"interface", s.iface,
				"ip", ip.String(),
				"waited", time.Since(start).Round(time.Millisecond),
			)
			return nil
		}

		polls++
		// Every 20 polls (~10s at the default rate) so a long wait is visible.
		if polls%20 == 0 {
			s.logger.Info("still waiting for wifi",
				"interface", s.iface,
				"waited", time.Since(start).Round(time.Second),
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			s.setState(Disconnected, nil)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Probe checks the link once and updates the state. It returns nil when
// connected. Suitable as a connwatch probe.
func (s *Station) Probe(context.Context) error {
	ip, err := s.check()
	if err != nil {
		s.mu.Lock()
		if s.state == Connected {
			s.state = Disconnected
			s.addr = nil
			s.logger.Warn("wifi link lost", "interface", s.iface, "error", err)
		}
		s.mu.Unlock()
		return err
	}
	s.setState(Connected, ip)
	return nil
}

// IsConnected reports whether the link was up at the last check.
func (s *Station) IsConnected() bool {
	return s.State() == Connected
}

// State returns the current link state.
func (s *Station) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalAddress returns the interface address found at the last
// successful check, or nil.
func (s *Station) LocalAddress() net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Interface returns the watched interface name.
func (s *Station) Interface() string { return s.iface }

func (s *Station) setState(st ConnectionState, ip net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.addr = ip
}

// check returns the preferred address of the interface, IPv4 first.
func (s *Station) check() (net.IP, error) {
	l, err := s.lookup(s.iface)
	if err != nil {
		return nil, err
	}
	if !l.up {
		return nil, fmt.Errorf("interface %s is down", s.iface)
	}

	var v6 net.IP
	for _, a := range l.addrs {
		ip := addrIP(a)
		// A 169.254/16 or fe80::/10 address means DHCP or SLAAC has not
		// finished; the broker is not reachable through it.
		if ip == nil || ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
			continue
		}
		if ip.To4() != nil {
			return ip, nil
		}
		if v6 == nil {
			v6 = ip
		}
	}
	if v6 != nil {
		return v6, nil
	}
	return nil, ErrNoAddress
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}
