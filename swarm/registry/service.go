package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"peershare/datamodel/peer"
	"peershare/helper/timer"
	"peershare/net/crpc"
	"peershare/net/mdns"
	"peershare/net/pubsub"
	"peershare/swarm/protocol"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultPeerTimeout  = 90 * time.Second
	DefaultReapInterval = 15 * time.Second
)

type Options struct {
	// UDP address the discovery service listens on.
	ListenAddress string

	// Peers not heard from for this long are removed. Zero disables expiry.
	PeerTimeout  time.Duration
	ReapInterval time.Duration

	// Concurrent request handlers.
	Workers int

	// Advertise the registry over mDNS under this instance name. Empty disables it.
	MDNSInstance string
	MDNS         mdns.Config

	// Clock used for expiry; time.Now when nil.
	Clock func() time.Time
}

// Service is a running registry: the discovery server plus its background tasks.
type Service struct {
	store     peer.Store
	opts      Options
	server    *crpc.Server
	publisher *pubsub.Publisher
	changes   chan struct{}
	now       func() time.Time
}

// NewService opens the sockets for the registry around store. The store stays owned by the
// caller.
func NewService(store peer.Store, opts Options) (*Service, error) {
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	conn, err := net.ListenPacket("udp", opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("registry: listening on %s: %w", opts.ListenAddress, err)
	}

	// Notifications go out from their own socket so replies and pushes never interleave
	pconn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("registry: opening notification socket: %w", err)
	}

	s := &Service{
		store:     store,
		opts:      opts,
		server:    crpc.NewServer(conn),
		publisher: pubsub.NewPublisher(pconn),
		changes:   make(chan struct{}, 1),
		now:       now,
	}
	if opts.Workers > 0 {
		s.server.Workers = opts.Workers
	}
	s.server.ErrorCode = protocol.ErrorCode

	if err := s.server.Register(NewDiscovery(store, s.changed)); err != nil {
		conn.Close()
		pconn.Close()
		return nil, err
	}

	log.Infof("Registry listening on %s", s.Addr())
	return s, nil
}

func (s *Service) Addr() net.Addr {
	return s.server.Addr()
}

// changed schedules a notification round. Rounds coalesce: any number of changes while one
// is pending produce a single push.
func (s *Service) changed() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Service) notifyPeers(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.changes:
		}

		snap, err := s.store.Snapshot()
		if err != nil {
			log.Errorf("registry: snapshot for notification failed: %v", err)
			continue
		}

		var addrs []string
		for _, rec := range snap.Records {
			if rec.Address.ControlPort != 0 {
				addrs = append(addrs, rec.Address.ControlAddr())
			}
		}
		if len(addrs) == 0 {
			continue
		}

		msg := &protocol.RegistryChangedMessage{Version: snap.Version}
		if err := s.publisher.Publish(protocol.MethodRegistryChanged, msg, addrs...); err != nil {
			log.Warnf("registry: notifying peers of version %d: %v", snap.Version, err)
		} else {
			log.Debugf("registry: notified %d peers of version %d", len(addrs), snap.Version)
		}
	}
}

// reap removes peers whose last sign of life is older than the peer timeout.
func (s *Service) reap(ctx context.Context) error {
	expired, err := s.store.Expire(s.now().Add(-s.opts.PeerTimeout))
	if err != nil {
		// A failed sweep is retried on the next tick
		log.Errorf("registry: expiring peers: %v", err)
		return nil
	}
	if len(expired) > 0 {
		log.Infof("registry: expired %d peers: %v", len(expired), expired)
		s.changed()
	}
	return nil
}

// Run serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	defer s.publisher.Close()

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return s.server.Serve(cctx)
	})

	wg.Go(func() error {
		return s.notifyPeers(cctx)
	})

	if s.opts.PeerTimeout > 0 {
		wg.Go(func() error {
			interval := &timer.Interval{
				Duration: s.opts.ReapInterval,
				Jitter:   s.opts.ReapInterval / 10,
			}
			return timer.RunWithTicker(cctx, interval, s.reap)
		})
	}

	if s.opts.MDNSInstance != "" {
		port := s.Addr().(*net.UDPAddr).Port
		adv, err := mdns.Advertise(s.opts.MDNS, s.opts.MDNSInstance, port)
		if err != nil {
			log.Warnf("registry: mDNS advertisement disabled: %v", err)
		} else {
			defer adv.Stop()
		}
	}

	err := wg.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
