// Package pubsub implements datagram notifications.
// Publish: a CBOR-encoded message is sent to every given address.
// Subscribe: a listener receives a message over the network and distributes it to a registered callback.
package pubsub

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

	log "github.com/sirupsen/logrus"
)

const maxMessageSize = 65507

type MessageHeader struct {
	ServiceMethod string `cbor:"1,keyasint,omitempty"`
}

type handlerType struct {
	method  reflect.Method
	argType reflect.Type
}

type service struct {
	name    string
	sub     reflect.Value
	typ     reflect.Type
	methods map[string]*handlerType
}

// Publisher sends notifications from a single unconnected socket.
type Publisher struct {
	wc net.PacketConn
}

func NewPublisher(wconn net.PacketConn) *Publisher {
	return &Publisher{wc: wconn}
}

func encode(serviceMethod string, args any) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	if err := enc.Encode(&MessageHeader{ServiceMethod: serviceMethod}); err != nil {
		return nil, err
	}
	if err := enc.Encode(args); err != nil {
		return nil, err
	}
	if buf.Len() > maxMessageSize {
		return nil, fmt.Errorf("pubsub: %s message is %d bytes", serviceMethod, buf.Len())
	}
	return buf.Bytes(), nil
}

// Publish sends the message to every address. Delivery is best effort; the returned error
// joins the failures of individual sends.
func (p *Publisher) Publish(serviceMethod string, args any, addrs ...string) error {
	msg, err := encode(serviceMethod, args)
	if err != nil {
		return err
	}

	var errs []error
	for _, a := range addrs {
		addr, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := p.wc.WriteTo(msg, addr); err != nil {
			errs = append(errs, fmt.Errorf("pubsub: sending %s to %s: %w", serviceMethod, a, err))
		}
	}

	return errors.Join(errs...)
}

func (p *Publisher) Close() error {
	return p.wc.Close()
}

// Subscriber dispatches received notifications to registered handlers.
type Subscriber struct {
	rc         net.PacketConn
	serviceMap sync.Map
}

func NewSubscriber(rconn net.PacketConn) *Subscriber {
	return &Subscriber{rc: rconn}
}

func (s *Subscriber) Addr() net.Addr {
	return s.rc.LocalAddr()
}

func (s *Subscriber) Close() error {
	return s.rc.Close()
}

func (s *Subscriber) Register(rcvr any) error {
	svc := new(service)
	svc.typ = reflect.TypeOf(rcvr)
	svc.sub = reflect.ValueOf(rcvr)
	sname := reflect.Indirect(svc.sub).Type().Name()
	if sname == "" {
		return fmt.Errorf("pubsub.Register: no service name for type %s", svc.typ.String())
	}
	if !token.IsExported(sname) {
		return fmt.Errorf("pubsub.Register: type %q is not exported", sname)
	}
	svc.name = sname

	svc.methods = suitableHandlers(svc.typ)
	if len(svc.methods) == 0 {
		return fmt.Errorf("pubsub.Register: type %s has no exported methods of suitable type", sname)
	}
	s.serviceMap.Store(sname, svc)

	for m := range svc.methods {
		log.Debugf("pubsub.Register: %s.%s", sname, m)
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

// suitableHandlers returns the methods of typ shaped M(msg *T) with no results.
func suitableHandlers(typ reflect.Type) map[string]*handlerType {
	handlers := make(map[string]*handlerType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		if !method.IsExported() {
			continue
		}
		if mtype.NumIn() != 2 || mtype.NumOut() != 0 {
			continue
		}
		argType := mtype.In(1)
		if argType.Kind() != reflect.Pointer {
			log.Errorf("pubsub.Register: argument type of method %q is not a pointer: %q", mname, argType)
			continue
		}
		if !isExportedOrBuiltinType(argType) {
			log.Errorf("pubsub.Register: argument type of method %q is not exported: %q", mname, argType)
			continue
		}
		handlers[mname] = &handlerType{method: method, argType: argType}
	}
	return handlers
}

// Listen dispatches notifications until ctx is cancelled. Handlers run on the listener
// goroutine, one message at a time.
func (s *Subscriber) Listen(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.rc.Close()
	}()

	buf := make([]byte, maxMessageSize)
	for {
		n, from, err := s.rc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Errorf("pubsub: failed to read message: %v", err)
			continue
		}

		s.dispatch(buf[:n], from)
	}
}

func (s *Subscriber) dispatch(msgBytes []byte, from net.Addr) {
	dec := cbor.NewDecoder(bytes.NewReader(msgBytes))

	var msg MessageHeader
	if err := dec.Decode(&msg); err != nil {
		log.Errorf("pubsub: failed to unmarshal message from %s: %v", from, err)
		return
	}

	dot := strings.LastIndex(msg.ServiceMethod, ".")
	if dot < 0 {
		log.Errorf("pubsub: service/method request ill-formed: %s", msg.ServiceMethod)
		return
	}
	serviceName := msg.ServiceMethod[:dot]
	methodName := msg.ServiceMethod[dot+1:]

	svci, ok := s.serviceMap.Load(serviceName)
	if !ok {
		log.Errorf("pubsub: can't find service %s", msg.ServiceMethod)
		return
	}
	svc := svci.(*service)

	handler := svc.methods[methodName]
	if handler == nil {
		log.Errorf("pubsub: can't find method %s", msg.ServiceMethod)
		return
	}

	arg := reflect.New(handler.argType.Elem())
	if err := dec.Decode(arg.Interface()); err != nil {
		log.Errorf("pubsub: failed to unmarshal arguments: %v", err)
		return
	}

	handler.method.Func.Call([]reflect.Value{svc.sub, arg})
}
