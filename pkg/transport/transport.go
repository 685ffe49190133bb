package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/raftcore/pkg/log"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raft"
	"github.com/cuemby/raftcore/pkg/snapshot"
)

// followerDriver is the subset of snapshot.FollowerDriver's method set
// inbound session messages are dispatched to. Declared structurally here
// so this package never imports a concrete driver type, only the shape it
// needs (pkg/raft keeps the same separation for SnapshotInstaller).
type followerDriver interface {
	HandleSignatureRequest(leader uint64, req snapshot.SignatureRequest)
	HandleCP(leader uint64, msg snapshot.CP)
	HandleMV(leader uint64, msg snapshot.MV)
}

// leaderDriver is the subset of snapshot.LeaderDriver's method set inbound
// session replies are dispatched to.
type leaderDriver interface {
	HandleSignatureResult(peer uint64, res snapshot.SignatureResult) error
	HandleAck(peer uint64, res snapshot.Result) error
}

// Transport is the production raft.Transport, implemented as one
// long-lived bidi-streaming gRPC call per peer the local node has ever
// sent to, carrying gob-encoded Envelopes (see envelope.go, codec.go).
// It doubles as snapshot.Sender and snapshot.ResultSender: every outbound
// message, whatever pkg/snapshot's protocol name for it, rides the same
// per-peer stream as raft.Message traffic.
type Transport struct {
	id      uint64
	address string

	grpcServer *grpc.Server
	listener   net.Listener

	mu      sync.Mutex
	conns   map[uint64]*grpc.ClientConn
	streams map[uint64]grpc.ClientStream
	peers   map[uint64]string

	recvCh chan raft.Message

	followers followerDriver
	leaders   leaderDriver
}

// New returns a Transport for a server identified by id, not yet serving.
// Call Listen to accept inbound connections.
func New(id uint64) *Transport {
	return &Transport{
		id:      id,
		conns:   make(map[uint64]*grpc.ClientConn),
		streams: make(map[uint64]grpc.ClientStream),
		peers:   make(map[uint64]string),
		recvCh:  make(chan raft.Message, 256),
	}
}

// SetDrivers wires the snapshot-install collaborators inbound session
// messages are routed to. Must be called before Listen receives traffic.
func (t *Transport) SetDrivers(followers followerDriver, leaders leaderDriver) {
	t.followers = followers
	t.leaders = leaders
}

// SetPeerAddress records (or updates) the dial address for a peer,
// consulted by the snapshot.Sender/ResultSender methods which only carry
// a peer id, not an address.
func (t *Transport) SetPeerAddress(id uint64, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = address
}

// Listen starts accepting inbound peer connections on address.
func (t *Transport) Listen(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	t.listener = lis
	t.address = address
	t.grpcServer = grpc.NewServer()
	t.grpcServer.RegisterService(&serviceDesc, t)
	go func() {
		if err := t.grpcServer.Serve(lis); err != nil {
			tlog := log.WithComponent("transport")
			tlog.Error().Msg(err.Error())
		}
	}()
	return nil
}

// serve implements streamHandlerOwner: it reads every Envelope a peer's
// outbound stream carries until the peer closes it, dispatching each as
// it arrives, then acks with an empty Envelope.
func (t *Transport) serve(stream grpc.ServerStream) error {
	for {
		var env Envelope
		if err := stream.RecvMsg(&env); err != nil {
			if err == io.EOF {
				return stream.SendMsg(&Envelope{})
			}
			return err
		}
		t.dispatch(&env)
	}
}

func (t *Transport) dispatch(env *Envelope) {
	metrics.MessagesReceivedTotal.WithLabelValues(env.Kind.String()).Inc()
	switch env.Kind {
	case KindRaftMessage:
		msg, err := env.decodeRaftMessage()
		if err != nil {
			tlog := log.WithComponent("transport")
			tlog.Error().Msg(fmt.Sprintf("decoding raft message from %d: %v", env.From, err))
			return
		}
		t.recvCh <- msg
	case KindSignatureRequest:
		if t.followers == nil {
			return
		}
		req, err := env.decodeSignatureRequest()
		if err == nil {
			t.followers.HandleSignatureRequest(env.From, req)
		}
	case KindSignatureResult:
		if t.leaders == nil {
			return
		}
		res, err := env.decodeSignatureResult()
		if err == nil {
			_ = t.leaders.HandleSignatureResult(env.From, res)
		}
	case KindCP:
		if t.followers == nil {
			return
		}
		cp, err := env.decodeCP()
		if err == nil {
			t.followers.HandleCP(env.From, cp)
		}
	case KindMV:
		if t.followers == nil {
			return
		}
		mv, err := env.decodeMV()
		if err == nil {
			t.followers.HandleMV(env.From, mv)
		}
	case KindResult:
		if t.leaders == nil {
			return
		}
		res, err := env.decodeResult()
		if err == nil {
			_ = t.leaders.HandleAck(env.From, res)
		}
	}
}

// streamTo returns the outbound client stream to (id, address), dialing
// and opening it lazily on first use and reusing it for every subsequent
// send. AppendEntries completion callbacks must be delivered in
// submission order per peer: a single stream serializes sends in the
// order Send was called.
func (t *Transport) streamTo(ctx context.Context, id uint64, address string) (grpc.ClientStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cs, ok := t.streams[id]; ok {
		return cs, nil
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	cs, err := conn.NewStream(context.Background(), &grpc.StreamDesc{
		StreamName:    "Stream",
		ClientStreams: true,
		ServerStreams: true,
	}, streamFullName, grpc.CallContentSubtype(codecName))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening stream to %s: %w", address, err)
	}
	t.conns[id] = conn
	t.streams[id] = cs
	t.peers[id] = address
	return cs, nil
}

func (t *Transport) dropStream(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, id)
	if conn, ok := t.conns[id]; ok {
		conn.Close()
		delete(t.conns, id)
	}
}

func (t *Transport) sendEnvelope(ctx context.Context, to uint64, address string, kind Kind, payload interface{}) error {
	if address == "" {
		t.mu.Lock()
		address = t.peers[to]
		t.mu.Unlock()
	}
	if address == "" {
		return raft.NewError(raft.ErrNoConnection, "no known address for peer %d", to)
	}
	env, err := newEnvelope(t.id, kind, payload)
	if err != nil {
		return err
	}
	cs, err := t.streamTo(ctx, to, address)
	if err != nil {
		return raft.NewError(raft.ErrNoConnection, "%v", err)
	}
	if err := cs.SendMsg(env); err != nil {
		t.dropStream(to)
		metrics.MessagesSentTotal.WithLabelValues(kind.String(), "error").Inc()
		return raft.NewError(raft.ErrNoConnection, "sending to %d: %v", to, err)
	}
	metrics.MessagesSentTotal.WithLabelValues(kind.String(), "ok").Inc()
	return nil
}

// Send implements raft.Transport.
func (t *Transport) Send(ctx context.Context, to uint64, address string, msg raft.Message, done func(error)) {
	err := t.sendEnvelope(ctx, to, address, KindRaftMessage, msg)
	if done != nil {
		done(err)
	}
}

// Recv implements raft.Transport.
func (t *Transport) Recv() <-chan raft.Message {
	return t.recvCh
}

// Close implements raft.Transport, tearing down every outbound connection
// and the inbound listener.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	for id, conn := range t.conns {
		conn.Close()
		delete(t.conns, id)
		delete(t.streams, id)
	}
	t.mu.Unlock()
	if t.grpcServer != nil {
		t.grpcServer.GracefulStop()
	}
	return nil
}

// SendSignatureRequest implements snapshot.Sender.
func (t *Transport) SendSignatureRequest(peer uint64, req snapshot.SignatureRequest) {
	if err := t.sendEnvelope(context.Background(), peer, "", KindSignatureRequest, req); err != nil {
		tlog := log.WithComponent("transport")
		tlog.Error().Msg(err.Error())
	}
}

// SendCP implements snapshot.Sender.
func (t *Transport) SendCP(peer uint64, msg snapshot.CP) {
	if err := t.sendEnvelope(context.Background(), peer, "", KindCP, msg); err != nil {
		tlog := log.WithComponent("transport")
		tlog.Error().Msg(err.Error())
		return
	}
	metrics.SnapshotInstallPagesSent.WithLabelValues("copy").Inc()
}

// SendMV implements snapshot.Sender.
func (t *Transport) SendMV(peer uint64, msg snapshot.MV) {
	if err := t.sendEnvelope(context.Background(), peer, "", KindMV, msg); err != nil {
		tlog := log.WithComponent("transport")
		tlog.Error().Msg(err.Error())
		return
	}
	metrics.SnapshotInstallPagesSent.WithLabelValues("move").Inc()
}

// SendSignatureResult implements snapshot.ResultSender.
func (t *Transport) SendSignatureResult(leader uint64, res snapshot.SignatureResult) {
	if err := t.sendEnvelope(context.Background(), leader, "", KindSignatureResult, res); err != nil {
		tlog := log.WithComponent("transport")
		tlog.Error().Msg(err.Error())
	}
}

// SendResult implements snapshot.ResultSender.
func (t *Transport) SendResult(leader uint64, res snapshot.Result) {
	if err := t.sendEnvelope(context.Background(), leader, "", KindResult, res); err != nil {
		tlog := log.WithComponent("transport")
		tlog.Error().Msg(err.Error())
	}
}
