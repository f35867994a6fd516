package client

import (
	"context"
	"errors"
	"sync"

	"peershare/datamodel/peer"
	"peershare/net/crpc"
	"peershare/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// Client talks to the registry on behalf of one peer identity. Calls are serialized, so the
// sequence numbers the registry sees from this client only ever grow.
type Client struct {
	rpc      *crpc.Client
	identity string

	mu  sync.Mutex // held for the duration of a call
	seq uint64
}

// Dial creates a client for the registry at address. identity may be empty for a client
// that only lists.
func Dial(address, identity string, policy crpc.RetryPolicy) (*Client, error) {
	rpcc, err := crpc.Dial("udp", address, policy)
	if err != nil {
		return nil, err
	}
	return New(rpcc, identity), nil
}

func New(rpcc *crpc.Client, identity string) *Client {
	return &Client{rpc: rpcc, identity: identity}
}

func (c *Client) Identity() string {
	return c.identity
}

func (c *Client) Close() error {
	return c.rpc.Close()
}

// call runs one request under the client lock. seq is called with the next sequence number
// so the request can carry it.
func (c *Client) call(ctx context.Context, method string, seq func(uint64), args, reply any) (*crpc.Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	seq(c.seq)

	call := &crpc.Call{ServiceMethod: method, Args: args, Reply: reply}
	err := c.rpc.Do(ctx, call)
	return call, protocol.ErrorFromCode(err)
}

// Register announces this peer. An empty host lets the registry use the address the request
// came from.
func (c *Client) Register(ctx context.Context, incarnation, host string, controlPort, transferPort uint16) (*protocol.RegisterResponse, error) {
	req := &protocol.RegisterRequest{
		Identity:     c.identity,
		Incarnation:  incarnation,
		Host:         host,
		ControlPort:  controlPort,
		TransferPort: transferPort,
	}
	res := &protocol.RegisterResponse{}
	if _, err := c.call(ctx, protocol.MethodRegister, func(s uint64) { req.Seq = s }, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Offer adds filenames to this peer's shared set. applied is false when the registry had
// already applied the request.
func (c *Client) Offer(ctx context.Context, filenames []string) (bool, error) {
	req := &protocol.OfferRequest{Identity: c.identity, Filenames: filenames}
	res := &protocol.OfferResponse{}
	if _, err := c.call(ctx, protocol.MethodOffer, func(s uint64) { req.Seq = s }, req, res); err != nil {
		return false, err
	}
	return res.Applied, nil
}

// List fetches the registry contents.
func (c *Client) List(ctx context.Context) (*peer.Snapshot, error) {
	req := &protocol.ListRequest{Identity: c.identity}
	res := &protocol.ListResponse{}
	if _, err := c.call(ctx, protocol.MethodList, func(s uint64) { req.Seq = s }, req, res); err != nil {
		return nil, err
	}

	records := make([]*peer.Record, 0, len(res.Peers))
	for _, e := range res.Peers {
		records = append(records, e.Record())
	}
	return peer.NewSnapshot(res.Version, records), nil
}

// Deregister removes this peer from the registry.
func (c *Client) Deregister(ctx context.Context) error {
	req := &protocol.DeregisterRequest{Identity: c.identity}
	call, err := c.call(ctx, protocol.MethodDeregister, func(s uint64) { req.Seq = s }, req, &protocol.Ack{})
	if errors.Is(err, peer.ErrUnknownPeer) && call.Attempts > 1 {
		// An earlier transmission was applied and its reply lost
		log.Debugf("client: deregister of %s already applied", c.identity)
		return nil
	}
	return err
}

func (c *Client) Heartbeat(ctx context.Context) error {
	req := &protocol.HeartbeatRequest{Identity: c.identity}
	_, err := c.call(ctx, protocol.MethodHeartbeat, func(s uint64) { req.Seq = s }, req, &protocol.Ack{})
	return err
}

// WhoHas asks the registry which peers offer filename.
func (c *Client) WhoHas(ctx context.Context, filename string) ([]string, error) {
	res := &protocol.WhoHasResponse{}
	if _, err := c.call(ctx, protocol.MethodWhoHas, func(uint64) {}, &protocol.WhoHasRequest{Filename: filename}, res); err != nil {
		return nil, err
	}
	return res.Owners, nil
}
