package commands

import (
	"context"

	"peershare/config"
	"peershare/datastore/leveldb"
	"peershare/swarm/registry"
)

// RunRegistry serves the registry until ctx is cancelled. The registry keeps everything in
// memory; restarting it starts from an empty peer set.
func RunRegistry(ctx context.Context, cfg *config.Config) error {
	store, err := leveldb.NewPeerIndex(leveldb.Options{RejectDuplicates: cfg.Registry.RejectDuplicates})
	if err != nil {
		return err
	}
	defer store.Close()

	opts := registry.Options{
		ListenAddress: cfg.Registry.ListenAddress,
		PeerTimeout:   cfg.Registry.PeerTimeout.Duration(),
		ReapInterval:  cfg.Registry.ReapInterval.Duration(),
		Workers:       cfg.Registry.Workers,
	}
	if cfg.Discovery.UseMDNS {
		opts.MDNSInstance = cfg.Discovery.MDNSInstance
	}

	svc, err := registry.NewService(store, opts)
	if err != nil {
		return err
	}

	log.Infof("Registry running on %s", svc.Addr())
	return svc.Run(ctx)
}
