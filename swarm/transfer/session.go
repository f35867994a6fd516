package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"peershare/datastore/flatfs"
	"peershare/oid"

	log "github.com/sirupsen/logrus"
)

// DefaultIdleTimeout bounds how long a session may go without any bytes moving.
const DefaultIdleTimeout = 30 * time.Second

var (
	ErrFileNotFound = errors.New("file not found")
	ErrTruncated    = errors.New("transfer truncated")
	ErrCancelled    = errors.New("transfer cancelled")
	ErrCorrupted    = errors.New("transfer corrupted")
	ErrProtocol     = errors.New("transfer protocol error")
	ErrIdleTimeout  = errors.New("transfer idle timeout")
)

type State int

const (
	StateConnecting State = iota
	StateHandshakeSent
	StateTransferring
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake sent"
	case StateTransferring:
		return "transferring"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result describes a completed download.
type Result struct {
	Path   string
	Length int64
	Digest *oid.Oid
}

// Session fetches one file from one peer. A session runs once; retrying means starting a
// new session.
type Session struct {
	ID          *oid.Oid
	Address     string // Transfer address of the owner
	Filename    string
	IdleTimeout time.Duration

	mu      sync.Mutex
	state   State
	reason  error
	history []State
	started bool
}

func NewSession(address, filename string) (*Session, error) {
	id, err := oid.Random(oid.OidTypeSession)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:          id,
		Address:     address,
		Filename:    filename,
		IdleTimeout: DefaultIdleTimeout,
		history:     []State{StateConnecting},
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the reason the session failed, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// History lists every state the session went through, in order.
func (s *Session) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.history...)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.history = append(s.history, state)
	s.mu.Unlock()
	log.Debugf("transfer %s: %s", s.ID, state)
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.reason = err
	s.mu.Unlock()
	s.setState(StateFailed)
	log.Warnf("transfer %s of %q from %s failed: %v", s.ID, s.Filename, s.Address, err)
	return err
}

// classify maps a connection error to the session failure it stands for.
func classify(ctx context.Context, err error, eof error) error {
	var ne net.Error
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", eof, err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		// The owner shut the connection down
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %v", ErrIdleTimeout, err)
	}
	return err
}

// Run performs the transfer and commits the file into downloads. Any failure leaves no
// file behind.
func (s *Session) Run(ctx context.Context, downloads *flatfs.Downloads) (*Result, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, errors.New("transfer session already used")
	}
	s.started = true
	s.mu.Unlock()

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", s.Address)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return nil, s.fail(err)
	}
	defer raw.Close()

	// Unblocks any read or write when the caller gives up
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	conn := withIdleTimeout(raw, s.IdleTimeout)

	if err := writeFrame(conn, &Request{Filename: s.Filename, SessionID: *s.ID}); err != nil {
		return nil, s.fail(classify(ctx, err, ErrProtocol))
	}
	s.setState(StateHandshakeSent)

	res := &Response{}
	if err := readFrame(conn, res); err != nil {
		return nil, s.fail(classify(ctx, err, ErrProtocol))
	}

	switch res.Status {
	case StatusOK:
	case StatusFileNotFound:
		return nil, s.fail(fmt.Errorf("%w: %s on %s", ErrFileNotFound, s.Filename, s.Address))
	case StatusBadRequest:
		return nil, s.fail(fmt.Errorf("%w: %s", ErrProtocol, res.Message))
	default:
		return nil, s.fail(fmt.Errorf("%w: unexpected status %s", ErrProtocol, res.Status))
	}
	if res.Length < 0 {
		return nil, s.fail(fmt.Errorf("%w: negative length %d", ErrProtocol, res.Length))
	}

	s.setState(StateTransferring)

	partial, err := downloads.Create(s.Filename)
	if err != nil {
		return nil, s.fail(err)
	}

	hasher := oid.NewHasher()
	n, err := io.CopyN(io.MultiWriter(partial, hasher), conn, res.Length)
	if err != nil {
		partial.Abort()
		err = classify(ctx, err, ErrTruncated)
		return nil, s.fail(fmt.Errorf("%w after %d of %d bytes", err, n, res.Length))
	}

	digest := hasher.Oid()
	if !res.Digest.IsZero() && !digest.Equal(&res.Digest) {
		partial.Abort()
		return nil, s.fail(fmt.Errorf("%w: got %s, announced %s", ErrCorrupted, digest, &res.Digest))
	}

	path, err := partial.Commit()
	if err != nil {
		return nil, s.fail(err)
	}

	s.setState(StateComplete)
	log.Infof("transfer %s: received %q (%d bytes) from %s", s.ID, s.Filename, n, s.Address)

	return &Result{Path: path, Length: n, Digest: digest}, nil
}
