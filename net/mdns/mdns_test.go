package mdns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertisePassesServiceRecord(t *testing.T) {
	var (
		gotInstance, gotService, gotDomain string
		gotPort                            int
		gotTXT                             []string
	)
	cfg := Config{
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance, gotService, gotDomain, gotPort = instance, service, domain, port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	adv, err := Advertise(cfg, "registry", 7070)
	require.NoError(t, err)
	adv.Stop()

	assert.Equal(t, "registry", gotInstance)
	assert.Equal(t, DefaultService, gotService)
	assert.Equal(t, DefaultDomain, gotDomain)
	assert.Equal(t, 7070, gotPort)
	assert.Contains(t, gotTXT, versionTXT)
}

func TestAdvertiseValidates(t *testing.T) {
	_, err := Advertise(Config{}, " ", 7070)
	assert.Error(t, err)
	_, err = Advertise(Config{}, "registry", 0)
	assert.Error(t, err)
}

func TestLocateReturnsFirstAddress(t *testing.T) {
	cfg := Config{
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			go func() {
				entries <- &zeroconf.ServiceEntry{Port: 7070}
				e := zeroconf.NewServiceEntry("registry", service, domain)
				e.Port = 7070
				e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.10")}
				entries <- e
			}()
			return nil
		},
	}

	addr, err := Locate(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10:7070", addr)
}

func TestLocateTimesOut(t *testing.T) {
	cfg := Config{
		Timeout: 20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	}

	_, err := Locate(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrNotFound)
}
