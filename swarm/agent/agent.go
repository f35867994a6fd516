package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"peershare/datamodel/peer"
	"peershare/datastore/flatfs"
	"peershare/helper/timer"
	"peershare/net/crpc"
	"peershare/net/mdns"
	"peershare/net/pubsub"
	"peershare/oid"
	"peershare/swarm/client"
	"peershare/swarm/protocol"
	"peershare/swarm/transfer"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second

	refreshTimeout = 10 * time.Second
)

type Options struct {
	Identity string

	// Registry address. Empty: locate the registry over mDNS.
	RegistryAddress string
	MDNS            mdns.Config

	// UDP address receiving registry notifications and TCP address serving transfers.
	ControlListen  string
	TransferListen string

	// Host other peers should connect to. Empty: whatever address the registry sees.
	AdvertiseHost string

	Share     *flatfs.Share
	Downloads *flatfs.Downloads

	Retry             crpc.RetryPolicy
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
}

// Agent is one peer: it registers with the registry, serves its shared files and fetches
// files from other peers.
type Agent struct {
	opts        Options
	incarnation string

	client        *client.Client
	transfer      *transfer.Server
	notifications *pubsub.Subscriber

	registered atomic.Bool
	snapshot   atomic.Pointer[peer.Snapshot]

	mu      sync.Mutex // protects offered
	offered []string

	sg singleflight.Group
}

// New opens the agent's sockets and connects it to the registry.
func New(ctx context.Context, opts Options) (*Agent, error) {
	if err := peer.ValidateIdentity(opts.Identity); err != nil {
		return nil, err
	}
	if opts.Share == nil || opts.Downloads == nil {
		return nil, errors.New("agent: share and download directories are required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = transfer.DefaultIdleTimeout
	}
	if opts.ControlListen == "" {
		opts.ControlListen = ":0"
	}
	if opts.TransferListen == "" {
		opts.TransferListen = ":0"
	}

	if opts.RegistryAddress == "" {
		addr, err := mdns.Locate(ctx, opts.MDNS)
		if err != nil {
			return nil, fmt.Errorf("agent: locating registry: %w", err)
		}
		log.Infof("Found registry at %s", addr)
		opts.RegistryAddress = addr
	}

	a := &Agent{
		opts:        opts,
		incarnation: uuid.NewString(),
	}

	var err error
	a.client, err = client.Dial(opts.RegistryAddress, opts.Identity, opts.Retry)
	if err != nil {
		return nil, fmt.Errorf("agent: connecting to registry %s: %w", opts.RegistryAddress, err)
	}

	a.transfer, err = transfer.Listen(opts.TransferListen, &offeredSource{agent: a})
	if err != nil {
		a.client.Close()
		return nil, fmt.Errorf("agent: transfer listener: %w", err)
	}
	a.transfer.IdleTimeout = opts.IdleTimeout

	pc, err := net.ListenPacket("udp", opts.ControlListen)
	if err != nil {
		a.client.Close()
		a.transfer.Close()
		return nil, fmt.Errorf("agent: control listener: %w", err)
	}
	a.notifications = pubsub.NewSubscriber(pc)
	if err := a.notifications.Register(&Notifications{agent: a}); err != nil {
		a.Close()
		return nil, err
	}

	log.Infof("I am %s (incarnation %s), transfers on %s, notifications on %s",
		opts.Identity, a.incarnation, a.transfer.Addr(), pc.LocalAddr())

	return a, nil
}

func (a *Agent) Identity() string {
	return a.opts.Identity
}

func (a *Agent) TransferAddr() net.Addr {
	return a.transfer.Addr()
}

func (a *Agent) ControlAddr() net.Addr {
	return a.notifications.Addr()
}

func (a *Agent) Share() *flatfs.Share {
	return a.opts.Share
}

func port(addr net.Addr) uint16 {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return uint16(a.Port)
	case *net.TCPAddr:
		return uint16(a.Port)
	}
	return 0
}

// Register announces the agent to the registry.
func (a *Agent) Register(ctx context.Context) error {
	res, err := a.client.Register(ctx, a.incarnation, a.opts.AdvertiseHost, port(a.ControlAddr()), port(a.TransferAddr()))
	if err != nil {
		return err
	}
	a.registered.Store(true)
	log.Infof("Registered as %s at %s, registry version %d", a.opts.Identity, res.Host, res.Version)
	return nil
}

func (a *Agent) checkRegistered() error {
	if !a.registered.Load() {
		return peer.ErrNotRegistered
	}
	return nil
}

// Offer advertises filenames. They must exist in the share directory.
func (a *Agent) Offer(ctx context.Context, filenames []string) error {
	if err := a.checkRegistered(); err != nil {
		return err
	}
	for _, f := range filenames {
		ok, err := a.opts.Share.Has(f)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s is not in %s", transfer.ErrFileNotFound, f, a.opts.Share.Path())
		}
	}

	if _, err := a.client.Offer(ctx, filenames); err != nil {
		return err
	}

	a.mu.Lock()
	a.offered, _ = peer.MergeFiles(a.offered, filenames)
	a.mu.Unlock()
	return nil
}

// OfferAll offers every file in the share directory.
func (a *Agent) OfferAll(ctx context.Context) ([]string, error) {
	names, err := a.opts.Share.Enumerate()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	return names, a.Offer(ctx, names)
}

// Offered returns the files this agent offered since it started.
func (a *Agent) Offered() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.offered...)
}

func (a *Agent) isOffered(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, found := slices.BinarySearch(a.offered, name)
	return found
}

// offeredSource serves only files this agent offered, other files in the share
// directory stay private.
type offeredSource struct {
	agent *Agent
}

func (s *offeredSource) Open(name string) (io.ReadCloser, int64, *oid.Oid, error) {
	if !s.agent.isOffered(name) {
		return nil, 0, nil, fmt.Errorf("%s was not offered: %w", name, fs.ErrNotExist)
	}
	return s.agent.opts.Share.Open(name)
}

// List fetches a fresh snapshot of the registry.
func (a *Agent) List(ctx context.Context) (*peer.Snapshot, error) {
	if err := a.checkRegistered(); err != nil {
		return nil, err
	}
	v, err, _ := a.sg.Do("list", func() (any, error) {
		snap, err := a.client.List(ctx)
		if err != nil {
			return nil, err
		}
		a.storeSnapshot(snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*peer.Snapshot), nil
}

// storeSnapshot keeps snap unless a newer one is already held.
func (a *Agent) storeSnapshot(snap *peer.Snapshot) {
	for {
		cur := a.snapshot.Load()
		if cur != nil && cur.Version > snap.Version {
			return
		}
		if a.snapshot.CompareAndSwap(cur, snap) {
			return
		}
	}
}

// Snapshot is the most recent registry view, possibly nil.
func (a *Agent) Snapshot() *peer.Snapshot {
	return a.snapshot.Load()
}

func (a *Agent) WhoHas(ctx context.Context, filename string) ([]string, error) {
	if err := a.checkRegistered(); err != nil {
		return nil, err
	}
	return a.client.WhoHas(ctx, filename)
}

// Fetch downloads filename from owner into the download directory.
func (a *Agent) Fetch(ctx context.Context, owner, filename string) (*transfer.Result, error) {
	if err := a.checkRegistered(); err != nil {
		return nil, err
	}
	if err := peer.ValidateFilename(filename); err != nil {
		return nil, err
	}

	rec, ok := a.Snapshot().Lookup(owner)
	if !ok {
		snap, err := a.List(ctx)
		if err != nil {
			return nil, err
		}
		if rec, ok = snap.Lookup(owner); !ok {
			return nil, fmt.Errorf("%w: %s", peer.ErrUnknownPeer, owner)
		}
	}

	s, err := transfer.NewSession(rec.Address.TransferAddr(), filename)
	if err != nil {
		return nil, err
	}
	s.IdleTimeout = a.opts.IdleTimeout

	log.Infof("Fetching %q from %s at %s (session %s)", filename, owner, s.Address, s.ID)
	return s.Run(ctx, a.opts.Downloads)
}

// Deregister removes the agent from the registry. Transfers in progress continue.
func (a *Agent) Deregister(ctx context.Context) error {
	if err := a.checkRegistered(); err != nil {
		return err
	}
	if err := a.client.Deregister(ctx); err != nil {
		return err
	}
	a.registered.Store(false)
	return nil
}

// reregister restores the registration after the registry forgot this agent.
func (a *Agent) reregister(ctx context.Context) error {
	_, err, _ := a.sg.Do("register", func() (any, error) {
		if err := a.Register(ctx); err != nil {
			return nil, err
		}
		if offered := a.Offered(); len(offered) > 0 {
			if _, err := a.client.Offer(ctx, offered); err != nil {
				return nil, err
			}
		}
		log.Infof("Re-registered %s with %d offered files", a.opts.Identity, len(a.Offered()))
		return nil, nil
	})
	return err
}

// heartbeat runs via RunWithTicker. Failures are logged, the ticker keeps going.
func (a *Agent) heartbeat(ctx context.Context) error {
	if !a.registered.Load() {
		return nil
	}

	err := a.client.Heartbeat(ctx)
	switch {
	case err == nil:
	case errors.Is(err, peer.ErrUnknownPeer):
		log.Warnf("Registry no longer knows %s, registering again", a.opts.Identity)
		if err := a.reregister(ctx); err != nil {
			log.Errorf("Re-registration failed: %v", err)
		}
	case ctx.Err() != nil:
	default:
		log.Warnf("Heartbeat failed: %v", err)
	}
	return nil
}

// refresh fetches a new snapshot in the background after a change notification.
func (a *Agent) refresh(version uint64) {
	if !a.registered.Load() {
		return
	}
	if cur := a.Snapshot(); cur != nil && cur.Version >= version {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		// A list already in flight may predate the change, so repeat until the view caught up
		for range 3 {
			snap, err := a.List(ctx)
			if err != nil {
				if !errors.Is(err, crpc.ErrShutdown) && !errors.Is(err, peer.ErrNotRegistered) {
					log.Warnf("Refreshing registry view to version %d: %v", version, err)
				}
				return
			}
			if snap.Version >= version {
				return
			}
		}
	}()
}

// Run serves transfers, receives notifications and keeps the registration alive until
// ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return a.transfer.Serve(cctx)
	})

	wg.Go(func() error {
		return a.notifications.Listen(cctx)
	})

	wg.Go(func() error {
		interval := &timer.Interval{
			Duration: a.opts.HeartbeatInterval,
			Jitter:   a.opts.HeartbeatInterval / 10,
		}
		return timer.RunWithTicker(cctx, interval, a.heartbeat)
	})

	err := wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases the agent's sockets. It does not deregister.
func (a *Agent) Close() error {
	a.notifications.Close()
	a.transfer.Close()
	return a.client.Close()
}

// Notifications receives pushes from the registry.
type Notifications struct {
	agent *Agent
}

func (n *Notifications) RegistryChanged(msg *protocol.RegistryChangedMessage) {
	log.Debugf("Registry changed, version %d", msg.Version)
	n.agent.refresh(msg.Version)
}
