package registry

import (
	"net"

	"peershare/datamodel/peer"
	"peershare/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// Discovery implements the registry's datagram RPC methods. It holds no state of its own;
// every request is answered from the store it was given.
type Discovery struct {
	store  peer.Store
	notify func()
}

// NewDiscovery returns the handlers for store. notify, when not nil, is called after every
// request that changed the registry.
func NewDiscovery(store peer.Store, notify func()) *Discovery {
	if notify == nil {
		notify = func() {}
	}
	return &Discovery{store: store, notify: notify}
}

// changed calls notify if the store version moved while f ran.
func (d *Discovery) changed(f func() error) error {
	before := d.store.Version()
	err := f()
	if d.store.Version() != before {
		d.notify()
	}
	return err
}

// sourceHost is the host part of a datagram source address.
func sourceHost(from net.Addr) string {
	if ua, ok := from.(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(from.String())
	if err != nil {
		return ""
	}
	return host
}

// RPC: Register
func (d *Discovery) Register(from net.Addr, req *protocol.RegisterRequest, res *protocol.RegisterResponse) error {
	host := req.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = sourceHost(from)
	}

	reg := &peer.Registration{
		Identity: req.Identity,
		Address: peer.Address{
			Host:         host,
			ControlPort:  req.ControlPort,
			TransferPort: req.TransferPort,
		},
		Incarnation: req.Incarnation,
		Seq:         req.Seq,
	}

	return d.changed(func() error {
		rec, err := d.store.Register(reg)
		if err != nil {
			log.Warnf("Discovery.Register(%s) from %s: %v", req.Identity, from, err)
			return err
		}
		log.WithFields(log.Fields{
			"identity": rec.Identity,
			"address":  rec.Address.String(),
			"seq":      req.Seq,
		}).Info("Discovery.Register")

		res.Host = rec.Address.Host
		res.Version = d.store.Version()
		return nil
	})
}

// RPC: Offer
func (d *Discovery) Offer(req *protocol.OfferRequest, res *protocol.OfferResponse) error {
	return d.changed(func() error {
		applied, err := d.store.OfferFiles(req.Identity, req.Seq, req.Filenames)
		if err != nil {
			log.Warnf("Discovery.Offer(%s, seq %d): %v", req.Identity, req.Seq, err)
			return err
		}
		log.Infof("Discovery.Offer(%s, seq %d): %d files, applied %v", req.Identity, req.Seq, len(req.Filenames), applied)
		res.Applied = applied
		return nil
	})
}

// RPC: List
func (d *Discovery) List(req *protocol.ListRequest, res *protocol.ListResponse) error {
	// Listing counts as a sign of life from a registered requester
	if req.Identity != "" {
		if err := d.store.Touch(req.Identity, req.Seq); err != nil {
			log.Debugf("Discovery.List: requester %q: %v", req.Identity, err)
		}
	}

	snap, err := d.store.Snapshot()
	if err != nil {
		log.Errorf("Discovery.List: snapshot failed: %v", err)
		return err
	}

	res.Version = snap.Version
	res.Peers = make([]*protocol.PeerEntry, 0, snap.Len())
	for _, rec := range snap.Records {
		res.Peers = append(res.Peers, protocol.EntryFromRecord(rec))
	}
	log.Debugf("Discovery.List(%s): %d peers at version %d", req.Identity, len(res.Peers), res.Version)
	return nil
}

// RPC: Deregister
func (d *Discovery) Deregister(req *protocol.DeregisterRequest, res *protocol.Ack) error {
	return d.changed(func() error {
		if err := d.store.Deregister(req.Identity); err != nil {
			log.Warnf("Discovery.Deregister(%s): %v", req.Identity, err)
			return err
		}
		log.Infof("Discovery.Deregister(%s)", req.Identity)
		return nil
	})
}

// RPC: Heartbeat
func (d *Discovery) Heartbeat(req *protocol.HeartbeatRequest, res *protocol.Ack) error {
	return d.store.Touch(req.Identity, req.Seq)
}

// RPC: WhoHas
func (d *Discovery) WhoHas(req *protocol.WhoHasRequest, res *protocol.WhoHasResponse) error {
	if err := peer.ValidateFilename(req.Filename); err != nil {
		return err
	}
	owners, err := d.store.FindOwners(req.Filename)
	if err != nil {
		return err
	}
	res.Owners = owners
	return nil
}
