// Package crpc is a small CBOR RPC used for the local control surface.
//
// Services are registered by value: every exported method of the form
// `func (s *T) Name(args *A, reply *R) error` becomes callable as "T.Name".
// A connection carries a stream of request header + argument pairs, each
// answered by a response header followed, on success, by the reply.
package crpc

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"

	"p2pstore/net/netutil"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

type Server struct {
	listener   net.Listener
	serviceMap sync.Map // map[string]*service
}

func NewServer(listener net.Listener) *Server {
	return &Server{
		listener: listener,
	}
}

func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

func (srv *Server) Register(rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.rcvr = reflect.ValueOf(rcvr)
	sname := reflect.Indirect(s.rcvr).Type().Name()
	if sname == "" {
		return fmt.Errorf("crpc.Register: no service name for type %s", s.typ.String())
	}
	if !token.IsExported(sname) {
		return fmt.Errorf("crpc.Register: type %s is not exported", sname)
	}
	s.name = sname

	s.method = suitableMethods(s.typ)
	if len(s.method) == 0 {
		return fmt.Errorf("crpc.Register: type %s has no exported methods of suitable type", sname)
	}

	if _, dup := srv.serviceMap.LoadOrStore(sname, s); dup {
		return errors.New("crpc: service already defined: " + sname)
	}

	for m := range s.method {
		log.Debugf("crpc.Register: %s.%s", sname, m)
	}
	return nil
}

// Is this type exported or a builtin?
func isExportedOrBuiltinType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return token.IsExported(t.Name()) || t.PkgPath() == ""
}

// suitableMethods returns the methods of typ that can be served.
func suitableMethods(typ reflect.Type) map[string]*methodType {
	methods := make(map[string]*methodType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		if !method.IsExported() {
			continue
		}
		// receiver, *args, *reply
		if mtype.NumIn() != 3 {
			log.Debugf("crpc.Register: skipping %q: has %d input parameters, needs three", mname, mtype.NumIn())
			continue
		}
		argType := mtype.In(1)
		replyType := mtype.In(2)
		if argType.Kind() != reflect.Pointer || !isExportedOrBuiltinType(argType) {
			log.Debugf("crpc.Register: skipping %q: argument type %q is not an exported pointer", mname, argType)
			continue
		}
		if replyType.Kind() != reflect.Pointer || !isExportedOrBuiltinType(replyType) {
			log.Debugf("crpc.Register: skipping %q: reply type %q is not an exported pointer", mname, replyType)
			continue
		}
		if mtype.NumOut() != 1 || mtype.Out(0) != reflect.TypeFor[error]() {
			log.Debugf("crpc.Register: skipping %q: must return exactly one error", mname)
			continue
		}
		methods[mname] = &methodType{method: method, ArgType: argType, ReplyType: replyType}
	}
	return methods
}

// Serve accepts control connections until ctx is cancelled.
func (srv *Server) Serve(ctx context.Context) error {
	return netutil.Serve(ctx, srv.listener, "crpc.Server", srv.serveConn)
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	decoder := cbor.NewDecoder(conn)
	encoder := cbor.NewEncoder(conn)

	for {
		req := &RequestHeader{}
		if err := decoder.Decode(req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debugf("crpc.Server: connection %s closed", conn.RemoteAddr())
			} else {
				log.Errorf("crpc.Server: error decoding request header from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		svc, mtype, err := srv.lookup(req.Method)
		if err != nil {
			// The argument cannot be decoded without its type, so the stream is lost
			log.Errorf("crpc.Server: %v (from %s)", err, conn.RemoteAddr())
			encoder.Encode(&ResponseHeader{Seq: req.Seq, Err: err.Error()})
			return
		}

		argv := reflect.New(mtype.ArgType.Elem())
		if err := decoder.Decode(argv.Interface()); err != nil {
			log.Errorf("crpc.Server: error decoding argument for %s from %s: %v", req.Method, conn.RemoteAddr(), err)
			return
		}

		replyv := reflect.New(mtype.ReplyType.Elem())
		callErr := svc.call(mtype, argv, replyv)

		resp := &ResponseHeader{Seq: req.Seq}
		if callErr != nil {
			resp.Err = callErr.Error()
			resp.Code = codeOf(callErr)
		}
		if err := encoder.Encode(resp); err != nil {
			log.Errorf("crpc.Server: error encoding response header for %s to %s: %v", req.Method, conn.RemoteAddr(), err)
			return
		}
		if callErr == nil {
			if err := encoder.Encode(replyv.Interface()); err != nil {
				log.Errorf("crpc.Server: error encoding response body for %s to %s: %v", req.Method, conn.RemoteAddr(), err)
				return
			}
		}
	}
}

func (srv *Server) lookup(serviceMethod string) (*service, *methodType, error) {
	dot := strings.LastIndex(serviceMethod, ".")
	if dot < 0 {
		return nil, nil, fmt.Errorf("service/method request ill-formed: %q", serviceMethod)
	}
	svci, ok := srv.serviceMap.Load(serviceMethod[:dot])
	if !ok {
		return nil, nil, fmt.Errorf("can't find service %q", serviceMethod[:dot])
	}
	svc := svci.(*service)
	mtype := svc.method[serviceMethod[dot+1:]]
	if mtype == nil {
		return nil, nil, fmt.Errorf("can't find method %q", serviceMethod)
	}
	return svc, mtype, nil
}

func (svc *service) call(mtype *methodType, argv, replyv reflect.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("crpc.Server: panic in %s.%s: %v", svc.name, mtype.method.Name, r)
			err = fmt.Errorf("crpc: internal server error in %s.%s", svc.name, mtype.method.Name)
		}
	}()

	out := mtype.method.Func.Call([]reflect.Value{svc.rcvr, argv, replyv})
	if errInter := out[0].Interface(); errInter != nil {
		return errInter.(error)
	}
	return nil
}
