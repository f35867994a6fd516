package crpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/token"
	"net"
	"reflect"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const DefaultWorkers = 64

type methodType struct {
	sync.Mutex // protects counters
	method     reflect.Method
	WantsAddr  bool // method takes the sender address before its arguments
	ArgType    reflect.Type
	ReplyType  reflect.Type
	numCalls   uint
}

type service struct {
	name   string                 // name of service
	rcvr   reflect.Value          // receiver of methods for the service
	typ    reflect.Type           // type of the receiver
	method map[string]*methodType // registered methods
}

// Server answers datagram requests. Every datagram is handled independently, so requests
// from many clients are served concurrently, bounded by Workers.
type Server struct {
	conn       net.PacketConn
	serviceMap sync.Map // map[string]*service

	// Workers bounds the number of requests handled at once.
	Workers int

	// ErrorCode maps an error returned by a service method to the code sent to the client.
	// Unmapped errors are sent as CodeInternal.
	ErrorCode func(error) uint16
}

func NewServer(conn net.PacketConn) *Server {
	return &Server{
		conn:    conn,
		Workers: DefaultWorkers,
	}
}

func (srv *Server) Addr() net.Addr {
	return srv.conn.LocalAddr()
}

func (srv *Server) Register(rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.rcvr = reflect.ValueOf(rcvr)
	sname := reflect.Indirect(s.rcvr).Type().Name()
	if sname == "" {
		s := fmt.Sprintf("rpc.Register: no service name for type %s", s.typ.String())
		log.Error(s)
		return errors.New(s)
	}
	if !token.IsExported(sname) {
		s := "rpc.Register: type " + sname + " is not exported"
		log.Error(s)
		return errors.New(s)
	}
	s.name = sname

	// Install the methods
	s.method = suitableMethods(s.typ)
	if len(s.method) == 0 {
		str := "rpc.Register: type " + sname + " has no exported methods of suitable type"
		log.Error(str)
		return errors.New(str)
	}

	if _, dup := srv.serviceMap.LoadOrStore(sname, s); dup {
		return errors.New("rpc: service already defined: " + sname)
	}

	for m := range s.method {
		log.Debugf("rpc.Register: %s.%s", sname, m)
	}

	return nil
}

// Is this type exported or a builtin?
func isExportedOrBuiltinType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// PkgPath will be non-empty even for an exported type, so we need to check the type name as well.
	return token.IsExported(t.Name()) || t.PkgPath() == ""
}

var typeOfAddr = reflect.TypeFor[net.Addr]()

// suitableMethods returns the methods of typ shaped either
// M(args *A, reply *R) error or M(from net.Addr, args *A, reply *R) error.
func suitableMethods(typ reflect.Type) map[string]*methodType {
	methods := make(map[string]*methodType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		if !method.IsExported() {
			continue
		}

		first := 1
		wantsAddr := false
		switch mtype.NumIn() {
		case 3:
		case 4:
			if mtype.In(1) != typeOfAddr {
				log.Debugf("rpc.Register: method %q: first parameter must be net.Addr", mname)
				continue
			}
			first, wantsAddr = 2, true
		default:
			log.Debugf("rpc.Register: method %q has %d input parameters, skipping", mname, mtype.NumIn())
			continue
		}

		argType := mtype.In(first)
		if argType.Kind() != reflect.Pointer || !isExportedOrBuiltinType(argType) {
			log.Errorf("rpc.Register: argument type of method %q must be an exported pointer: %q", mname, argType)
			continue
		}
		replyType := mtype.In(first + 1)
		if replyType.Kind() != reflect.Pointer || !isExportedOrBuiltinType(replyType) {
			log.Errorf("rpc.Register: reply type of method %q must be an exported pointer: %q", mname, replyType)
			continue
		}
		if mtype.NumOut() != 1 || mtype.Out(0) != reflect.TypeFor[error]() {
			log.Errorf("rpc.Register: method %q must return exactly one error", mname)
			continue
		}
		methods[mname] = &methodType{method: method, WantsAddr: wantsAddr, ArgType: argType, ReplyType: replyType}
	}
	return methods
}

// Serve reads requests until ctx is cancelled, then closes the socket and waits for the
// requests in flight.
func (srv *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Infof("rpc.Server: context cancelled, closing %s", srv.conn.LocalAddr())
		srv.conn.Close()
	}()

	workers := srv.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	var g errgroup.Group
	g.SetLimit(workers)
	defer g.Wait()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := srv.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Errorf("rpc.Server: read error on %s: %v. Server stopping.", srv.conn.LocalAddr(), err)
			return err
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])
		g.Go(func() error {
			srv.handle(packet, from)
			return nil
		})
	}
}

func (srv *Server) reply(to net.Addr, hdr *ResponseHeader, body any) {
	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	err := enc.Encode(hdr)
	if err == nil && hdr.Code == CodeOK {
		err = enc.Encode(body)
	}
	if err == nil && buf.Len() > MaxDatagramSize {
		err = fmt.Errorf("%w: %s reply is %d bytes", ErrMessageTooLarge, hdr.Method, buf.Len())
		log.Error(err)
		srv.reply(to, &ResponseHeader{Seq: hdr.Seq, Method: hdr.Method, Code: CodeTooLarge, Err: err.Error()}, nil)
		return
	}
	if err != nil {
		log.Errorf("rpc.Server: encoding reply to %s for %s: %v", to, hdr.Method, err)
		return
	}

	if _, err := srv.conn.WriteTo(buf.Bytes(), to); err != nil {
		log.Warnf("rpc.Server: sending reply to %s for %s: %v", to, hdr.Method, err)
	}
}

func (srv *Server) handle(packet []byte, from net.Addr) {
	dec := cbor.NewDecoder(bytes.NewReader(packet))

	req := &RequestHeader{}
	if err := dec.Decode(req); err != nil {
		log.Warnf("rpc.Server: dropping malformed datagram from %s: %v", from, err)
		return
	}

	fail := func(code uint16, format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		log.Warnf("rpc.Server: %s (from %s)", msg, from)
		srv.reply(from, &ResponseHeader{Seq: req.Seq, Method: req.Method, Code: code, Err: msg}, nil)
	}

	dot := strings.LastIndex(req.Method, ".")
	if dot < 0 {
		fail(CodeUnknownMethod, "rpc: service/method request ill-formed: %q", req.Method)
		return
	}
	serviceName := req.Method[:dot]
	methodName := req.Method[dot+1:]

	svci, ok := srv.serviceMap.Load(serviceName)
	if !ok {
		fail(CodeUnknownMethod, "rpc: can't find service %q", serviceName)
		return
	}
	svc := svci.(*service)
	mtype := svc.method[methodName]
	if mtype == nil {
		fail(CodeUnknownMethod, "rpc: can't find method %q", req.Method)
		return
	}

	argv := reflect.New(mtype.ArgType.Elem())
	if err := dec.Decode(argv.Interface()); err != nil {
		fail(CodeBadRequest, "rpc: decoding arguments of %s: %v", req.Method, err)
		return
	}
	replyv := reflect.New(mtype.ReplyType.Elem())

	var callErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("rpc.Server: panic during %s from %s: %v", req.Method, from, r)
				callErr = fmt.Errorf("rpc: internal server error during %s", req.Method)
			}
		}()
		callErr = svc.call(mtype, from, argv, replyv)
	}()

	hdr := &ResponseHeader{Seq: req.Seq, Method: req.Method}
	if callErr != nil {
		hdr.Code = CodeInternal
		if srv.ErrorCode != nil {
			hdr.Code = srv.ErrorCode(callErr)
		}
		hdr.Err = callErr.Error()
		log.Debugf("rpc.Server: %s from %s failed: %v", req.Method, from, callErr)
	}
	srv.reply(from, hdr, replyv.Interface())
}

func (svc *service) call(mtype *methodType, from net.Addr, argv, replyv reflect.Value) error {
	mtype.Lock()
	mtype.numCalls++
	mtype.Unlock()

	in := []reflect.Value{svc.rcvr}
	if mtype.WantsAddr {
		in = append(in, reflect.ValueOf(&from).Elem())
	}
	in = append(in, argv, replyv)

	returnValues := mtype.method.Func.Call(in)
	errInter := returnValues[0].Interface()
	if errInter != nil {
		return errInter.(error)
	}
	return nil
}
