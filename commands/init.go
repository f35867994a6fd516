package commands

import (
	"context"
	"os"

	"peershare/config"
	"peershare/net/crpc"
	"peershare/net/mdns"

	"github.com/sirupsen/logrus"
)

var log = logrus.StandardLogger()

// RunInit writes a default config file and creates the peer directories it names.
func RunInit(ctx context.Context, cfg *config.Config) error {
	for _, dir := range []string{cfg.Peer.SharePath, cfg.Peer.DownloadPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return cfg.Save()
}

func retryPolicy(cfg *config.Config) crpc.RetryPolicy {
	return crpc.RetryPolicy{
		Attempts:   cfg.Discovery.Attempts,
		Timeout:    cfg.Discovery.Timeout.Duration(),
		MaxTimeout: cfg.Discovery.MaxTimeout.Duration(),
	}
}

// registryAddress is the configured registry, or the one found over mDNS when enabled.
func registryAddress(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.Discovery.UseMDNS {
		return mdns.Locate(ctx, mdns.Config{})
	}
	return cfg.Peer.RegistryAddress, nil
}
