// Package mdns advertises and locates the registry on the local link.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultService = "_peershare._udp"
	DefaultDomain  = "local."
	DefaultTimeout = 3 * time.Second

	versionTXT = "version=1"
)

var ErrNotFound = errors.New("no registry found on the local network")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

type Config struct {
	Service string
	Domain  string
	Timeout time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	return c
}

// Advertisement is a running mDNS responder for the registry.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise announces a registry instance listening on port.
func Advertise(config Config, instance string, port int) (*Advertisement, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(instance) == "" {
		return nil, errors.New("mdns: instance name is required")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("mdns: invalid port %d", port)
	}

	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, port, []string{versionTXT}, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns: registering %s: %w", cfg.Service, err)
	}
	log.Infof("mdns: advertising %q as %s%s on port %d", instance, cfg.Service, cfg.Domain, port)
	return &Advertisement{server: server}, nil
}

func (a *Advertisement) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Locate browses for a registry and returns the address of the first one that answers.
func Locate(ctx context.Context, config Config) (string, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return "", fmt.Errorf("mdns: creating resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return "", fmt.Errorf("mdns: browsing %s: %w", cfg.Service, err)
	}

	for {
		select {
		case <-scanCtx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if addr := entryAddress(entry); addr != "" {
				log.Debugf("mdns: found registry %q at %s", entry.Instance, addr)
				return addr, nil
			}
		}
	}
}

func entryAddress(entry *zeroconf.ServiceEntry) string {
	if entry == nil || entry.Port <= 0 {
		return ""
	}
	port := strconv.Itoa(entry.Port)
	if len(entry.AddrIPv4) > 0 {
		return net.JoinHostPort(entry.AddrIPv4[0].String(), port)
	}
	if len(entry.AddrIPv6) > 0 {
		return net.JoinHostPort(entry.AddrIPv6[0].String(), port)
	}
	return ""
}
