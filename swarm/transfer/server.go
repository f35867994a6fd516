package transfer

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"sync"
	"time"

	"peershare/datamodel/peer"
	"peershare/oid"

	log "github.com/sirupsen/logrus"
)

// Source is where served files come from.
type Source interface {
	Open(name string) (io.ReadCloser, int64, *oid.Oid, error)
}

// Server answers transfer requests from other peers, one goroutine per connection.
type Server struct {
	listener net.Listener
	source   Source

	IdleTimeout time.Duration

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(l net.Listener, source Source) *Server {
	return &Server{
		listener:    l,
		source:      source,
		IdleTimeout: DefaultIdleTimeout,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Listen creates a server on a new TCP listener.
func Listen(address string, source Source) (*Server, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return NewServer(l, source), nil
}

func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

func (srv *Server) track(conn net.Conn, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	switch {
	case add && srv.closed:
		abort(conn)
	case add:
		srv.conns[conn] = struct{}{}
	default:
		delete(srv.conns, conn)
	}
}

// shutdown closes the listener and resets every open connection.
func (srv *Server) shutdown() {
	srv.listener.Close()

	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.closed = true
	for conn := range srv.conns {
		abort(conn)
	}
}

// Close stops accepting and resets open connections. Serve returns once handlers finish.
func (srv *Server) Close() error {
	srv.shutdown()
	return nil
}

// Serve accepts connections until ctx is cancelled. On return every connection has been
// closed and every handler has finished.
func (srv *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Infof("transfer.Server: context cancelled, shutting down %s", srv.listener.Addr())
		srv.shutdown()
	}()
	defer srv.wg.Wait()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Errorf("transfer.Server: accept error: %v; retrying in %v", err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("transfer.Server: accept error on %s: %v. Server stopping.", srv.listener.Addr(), err)
			return err
		}
		tempDelay = 0

		srv.track(conn, true)
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			defer srv.track(conn, false)
			defer conn.Close()
			srv.handle(withIdleTimeout(conn, srv.IdleTimeout), conn.RemoteAddr())
		}()
	}
}

func (srv *Server) handle(conn net.Conn, from net.Addr) {
	req := &Request{}
	if err := readFrame(conn, req); err != nil {
		log.Warnf("transfer.Server: reading request from %s: %v", from, err)
		return
	}

	logger := log.WithFields(log.Fields{
		"session":  req.SessionID.String(),
		"peer":     from.String(),
		"filename": req.Filename,
	})

	if err := peer.ValidateFilename(req.Filename); err != nil {
		logger.Warnf("transfer.Server: rejecting request: %v", err)
		writeFrame(conn, &Response{Status: StatusBadRequest, Message: err.Error()})
		return
	}

	f, length, digest, err := srv.source.Open(req.Filename)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Errorf("transfer.Server: opening file: %v", err)
		}
		writeFrame(conn, &Response{Status: StatusFileNotFound, Message: "file not found"})
		return
	}
	defer f.Close()

	if err := writeFrame(conn, &Response{Status: StatusOK, Length: length, Digest: *digest}); err != nil {
		logger.Warnf("transfer.Server: sending response: %v", err)
		return
	}

	start := time.Now()
	n, err := io.CopyN(conn, f, length)
	if err != nil {
		logger.Warnf("transfer.Server: sent %d of %d bytes: %v", n, length, err)
		return
	}
	logger.Infof("transfer.Server: sent %d bytes in %v", n, time.Since(start).Round(time.Millisecond))
}
