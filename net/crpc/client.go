package crpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

var ErrShutdown = errors.New("connection is shut down")

// ErrTimeout is returned when no response arrived after every retransmission.
var ErrTimeout = errors.New("request timed out")

var ErrMessageTooLarge = errors.New("message exceeds datagram size")

// RetryPolicy bounds the retransmissions of a single call. The wait after the first attempt is
// Timeout, later waits grow exponentially up to MaxTimeout.
type RetryPolicy struct {
	Attempts   int
	Timeout    time.Duration
	MaxTimeout time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts:   5,
	Timeout:    500 * time.Millisecond,
	MaxTimeout: 4 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultRetryPolicy.Timeout
	}
	if p.MaxTimeout < p.Timeout {
		p.MaxTimeout = p.Timeout
	}
	return p
}

func (p RetryPolicy) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Timeout
	b.MaxInterval = p.MaxTimeout
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Call represents an active RPC.
type Call struct {
	ServiceMethod string     // The name of the service and method to call.
	Args          any        // The argument to the function (*struct).
	Reply         any        // The reply from the function (*struct).
	Error         error      // After completion, the error status.
	Done          chan *Call // Receives *Call when a response arrived.
	Attempts      int        // Number of datagrams sent.
}

func (call *Call) done() {
	select {
	case call.Done <- call:
		// ok
	default:
		// A response for this call was already delivered
		log.Debugf("rpc: discarding duplicate reply for %s", call.ServiceMethod)
	}
}

// Client sends requests over a connected datagram socket and retransmits them until a
// response arrives or the retry policy is exhausted.
type Client struct {
	conn     net.Conn
	policy   RetryPolicy
	mutex    sync.Mutex // protects following fields
	seq      uint64
	pending  map[uint64]*Call
	closing  bool // user has called Close
	shutdown bool // input loop has stopped
}

func NewClient(conn net.Conn, policy RetryPolicy) *Client {
	client := &Client{
		conn:    conn,
		policy:  policy.withDefaults(),
		pending: make(map[uint64]*Call),
	}
	go client.input()
	return client
}

// Dial creates a client for the datagram service at address.
func Dial(network, address string, policy RetryPolicy) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, policy), nil
}

func (client *Client) LocalAddr() net.Addr {
	return client.conn.LocalAddr()
}

func (client *Client) RemoteAddr() net.Addr {
	return client.conn.RemoteAddr()
}

func (client *Client) register(call *Call) (uint64, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if client.closing || client.shutdown {
		return 0, ErrShutdown
	}
	client.seq++
	seq := client.seq
	client.pending[seq] = call
	return seq, nil
}

// forget removes a pending call. It reports false when the input loop already took the
// call, which then owns it until it is delivered on call.Done.
func (client *Client) forget(seq uint64) bool {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	_, ok := client.pending[seq]
	delete(client.pending, seq)
	return ok
}

func encodeRequest(seq uint64, serviceMethod string, args any) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	if err := enc.Encode(&RequestHeader{Seq: seq, Method: serviceMethod}); err != nil {
		return nil, err
	}
	if err := enc.Encode(args); err != nil {
		return nil, err
	}
	if buf.Len() > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %s request is %d bytes", ErrMessageTooLarge, serviceMethod, buf.Len())
	}
	return buf.Bytes(), nil
}

func (client *Client) input() {
	buf := make([]byte, MaxDatagramSize)
	var err error

	for {
		var n int
		n, err = client.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			client.mutex.Lock()
			closing := client.closing
			client.mutex.Unlock()
			if closing {
				break
			}
			// ICMP port unreachable and friends surface here; the request is simply lost
			log.Debugf("rpc: client read error: %v", err)
			continue
		}

		dec := cbor.NewDecoder(bytes.NewReader(buf[:n]))
		response := ResponseHeader{}
		if e := dec.Decode(&response); e != nil {
			log.Warnf("rpc: malformed response header from %s: %v", client.conn.RemoteAddr(), e)
			continue
		}

		client.mutex.Lock()
		call, ok := client.pending[response.Seq]
		delete(client.pending, response.Seq)
		client.mutex.Unlock()

		switch {
		case !ok:
			// A late duplicate of an answered or abandoned request
			log.Debugf("rpc: received reply for unknown sequence %d (%s), discarding", response.Seq, response.Method)

		case response.Code != CodeOK:
			call.Error = &ServerError{Code: response.Code, Message: response.Err}
			call.done()

		default:
			if e := dec.Decode(call.Reply); e != nil {
				call.Error = fmt.Errorf("rpc: decoding %s reply: %w", call.ServiceMethod, e)
			}
			call.done()
		}
	}

	client.mutex.Lock()
	defer client.mutex.Unlock()

	client.shutdown = true
	log.Debugf("rpc: client input loop stopped: %v", err)
	for _, call := range client.pending {
		call.Error = ErrShutdown
		call.done()
	}
	client.pending = make(map[uint64]*Call)
}

// Call sends the request and waits for the matching response, retransmitting the same
// datagram according to the retry policy. Exhausting the policy yields ErrTimeout.
func (client *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	return client.Do(ctx, &Call{ServiceMethod: serviceMethod, Args: args, Reply: reply})
}

// Do runs a prepared call. On return call.Attempts holds the number of datagrams sent
// and call.Error the outcome.
func (client *Client) Do(ctx context.Context, call *Call) error {
	call.Done = make(chan *Call, 1)
	call.Attempts = 0

	seq, err := client.register(call)
	if err != nil {
		call.Error = err
		return err
	}
	defer client.forget(seq)

	packet, err := encodeRequest(seq, call.ServiceMethod, call.Args)
	if err != nil {
		call.Error = err
		return err
	}

	b := client.policy.backoff()
	for {
		call.Attempts++
		if _, err := client.conn.Write(packet); err != nil {
			log.Debugf("rpc: sending %s (seq %d, attempt %d) failed: %v", call.ServiceMethod, seq, call.Attempts, err)
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			if !client.forget(seq) {
				return (<-call.Done).Error
			}
			call.Error = ctx.Err()
			return call.Error
		case c := <-call.Done:
			timer.Stop()
			return c.Error
		case <-timer.C:
		}

		if call.Attempts >= client.policy.Attempts {
			if !client.forget(seq) {
				return (<-call.Done).Error
			}
			call.Error = fmt.Errorf("%w: %s got no response after %d attempts", ErrTimeout, call.ServiceMethod, call.Attempts)
			return call.Error
		}
		log.Debugf("rpc: no response to %s (seq %d), retransmitting", call.ServiceMethod, seq)
	}
}

// Close calls the underlying connection's Close method.
// If the connection is already shutting down, ErrShutdown is returned.
func (client *Client) Close() error {
	client.mutex.Lock()
	if client.closing {
		client.mutex.Unlock()
		return ErrShutdown
	}
	client.closing = true
	client.mutex.Unlock()
	return client.conn.Close()
}
