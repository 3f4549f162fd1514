package main

import (
	"context"
	"net"
	"net/rpc"
	"reflect"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/epokhe/aofkit/aof"
)

// aofAdmin exposes the operator-facing control plane over net/rpc,
// the same transport the teacher's cmd/remote used for its DBRemote
// service — separate from the RESP data plane so an admin action (a
// manual rewrite, a WAITAOF poll) never competes with client traffic
// for the same listener.
type aofAdmin struct {
	a     *aof.AOF
	store *aof.MemStore
}

type RewriteArgs struct{}
type RewriteReply struct{}

// BgRewriteAOF starts a manual rewrite and returns immediately; the
// rewrite itself runs in the background the same way TriggerRewrite
// does for an automatic one.
func (r *aofAdmin) BgRewriteAOF(_ RewriteArgs, _ *RewriteReply) error {
	go r.a.TriggerRewrite(r.store.Snapshot(), true) // nolint:errcheck
	return nil
}

type WaitArgs struct {
	TargetOffset int64
	TimeoutMs    int64
}
type WaitReply struct {
	DurableOffset int64
}

func (r *aofAdmin) WaitAOF(args WaitArgs, reply *WaitReply) error {
	timeout := time.Duration(args.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := r.a.WaitAOF(ctx, args.TargetOffset); err != nil {
		return err
	}
	reply.DurableOffset = r.a.DurableOffset()
	return nil
}

type InfoArgs struct{}

func (r *aofAdmin) Info(_ InfoArgs, reply *aof.Status) error {
	*reply = r.a.Info()
	return nil
}

// startAdminRPC registers aofAdmin and serves it on addr until the
// returned closer is called.
func startAdminRPC(a *aof.AOF, store *aof.MemStore, addr string, logger *zap.Logger) (func() error, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("AOFAdmin", &aofAdmin{a: a, store: store}); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go server.ServeConn(conn)
		}
	}()

	logger.Info("admin rpc listening", zap.String("addr", addr), zap.Strings("methods", listRegisteredMethods(server)))

	return listener.Close, nil
}

// listRegisteredMethods reflects into rpc.Server's unexported service
// map, the same trick the teacher's cmd/server/rpc_utils.go used, so
// startup logging can confirm exactly what an aofctl client will see.
func listRegisteredMethods(server *rpc.Server) []string {
	var methods []string

	srvVal := reflect.ValueOf(server).Elem()
	smField := srvVal.FieldByName("serviceMap")
	sm := reflect.NewAt(smField.Type(), unsafe.Pointer(smField.UnsafeAddr())).Elem().Interface().(sync.Map)

	sm.Range(func(svcName, svcIface interface{}) bool {
		name := svcName.(string)
		svcVal := reflect.ValueOf(svcIface).Elem()
		mField := svcVal.FieldByName("method")
		mVal := reflect.NewAt(mField.Type(), unsafe.Pointer(mField.UnsafeAddr())).Elem()
		for _, key := range mVal.MapKeys() {
			methods = append(methods, name+"."+key.String())
		}
		return true
	})

	return methods
}
