package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"partymesh/internal/config"
	"partymesh/internal/model"
)

// errDegraded is an internal signal: remote transport is gone for good,
// serve the operation from the embedded local store instead.
var errDegraded = errors.New("remote directory degraded to local")

// Remote speaks the directory protocol over a persistent websocket. Every
// operation retries transport failures with bounded backoff; once the
// budget is spent the instance permanently degrades to its embedded local
// store and never touches the network again.
type Remote struct {
	url         string
	peerID      string
	clk         clock.Clock
	log         *logrus.Entry
	local       *Local
	callTimeout time.Duration
	retryMax    int
	retryBase   time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan Envelope
	degraded bool
	closed   bool
}

func NewRemote(cfg config.DirectoryConfig, peerID string, local *Local, clk clock.Clock) *Remote {
	if clk == nil {
		clk = clock.New()
	}
	return &Remote{
		url:         cfg.RemoteURL,
		peerID:      peerID,
		clk:         clk,
		log:         logrus.WithField("component", "directory-remote"),
		local:       local,
		callTimeout: time.Duration(cfg.CallTimeoutSec) * time.Second,
		retryMax:    cfg.RetryMax,
		retryBase:   time.Second,
		pending:     make(map[string]chan Envelope),
	}
}

func (r *Remote) RegisterParty(ctx context.Context, partyID, name string, host model.PeerDescriptor) error {
	resp, err := r.do(ctx, Envelope{Type: MessageRegisterParty, PartyID: partyID, PartyName: name, Peer: &host})
	if errors.Is(err, errDegraded) {
		return r.local.RegisterParty(ctx, partyID, name, host)
	}
	if err != nil {
		return err
	}
	r.cacheParty(resp.Party)
	return nil
}

func (r *Remote) JoinParty(ctx context.Context, partyID string, desc model.PeerDescriptor) (*model.PartyRecord, error) {
	resp, err := r.do(ctx, Envelope{Type: MessageJoinParty, PartyID: partyID, Peer: &desc})
	if errors.Is(err, errDegraded) {
		return r.local.JoinParty(ctx, partyID, desc)
	}
	if err != nil {
		return nil, err
	}
	r.cacheParty(resp.Party)
	return resp.Party, nil
}

func (r *Remote) LeaveParty(ctx context.Context, partyID, peerID string) error {
	_, err := r.do(ctx, Envelope{Type: MessageLeaveParty, PartyID: partyID, PeerID: peerID})
	if errors.Is(err, errDegraded) {
		return r.local.LeaveParty(ctx, partyID, peerID)
	}
	return err
}

func (r *Remote) Heartbeat(ctx context.Context, partyID, peerID string) error {
	_, err := r.do(ctx, Envelope{Type: MessageHeartbeat, PartyID: partyID, PeerID: peerID})
	if errors.Is(err, errDegraded) {
		return r.local.Heartbeat(ctx, partyID, peerID)
	}
	return err
}

func (r *Remote) UpdatePeer(ctx context.Context, partyID string, desc model.PeerDescriptor) error {
	resp, err := r.do(ctx, Envelope{Type: MessageUpdatePeer, PartyID: partyID, Peer: &desc})
	if errors.Is(err, errDegraded) {
		return r.local.UpdatePeer(ctx, partyID, desc)
	}
	if err != nil {
		return err
	}
	r.cacheParty(resp.Party)
	return nil
}

func (r *Remote) GetParty(ctx context.Context, partyID string) (*model.PartyRecord, error) {
	resp, err := r.do(ctx, Envelope{Type: MessageGetParty, PartyID: partyID})
	if errors.Is(err, errDegraded) {
		return r.local.GetParty(ctx, partyID)
	}
	if err != nil {
		return nil, err
	}
	r.cacheParty(resp.Party)
	return resp.Party, nil
}

func (r *Remote) ListRelays(ctx context.Context) ([]model.RelayDescriptor, error) {
	resp, err := r.do(ctx, Envelope{Type: MessageListRelays})
	if errors.Is(err, errDegraded) {
		return r.local.ListRelays(ctx)
	}
	if err != nil {
		return nil, err
	}
	return resp.Relays, nil
}

func (r *Remote) Close() error {
	r.mu.Lock()
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return r.local.Close()
}

// Degraded reports whether the instance has fallen back to local-only
// operation.
func (r *Remote) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// do runs one request/response exchange, reconnecting with backoff on
// transport faults. Protocol errors from the server come back as typed
// errors; errDegraded means the caller should use the local store.
func (r *Remote) do(ctx context.Context, env Envelope) (Envelope, error) {
	r.mu.Lock()
	if r.degraded {
		r.mu.Unlock()
		return Envelope{}, errDegraded
	}
	r.mu.Unlock()

	retry := newRetryPolicy(r.clk, r.retryMax, r.retryBase)
	for {
		resp, err := r.callOnce(ctx, env)
		if err == nil {
			if resp.Type == MessageError {
				return Envelope{}, codeToError(resp.ErrorCode, resp.ErrorMsg)
			}
			return resp, nil
		}
		r.log.WithField("error", err).Warn("directory transport failure")
		r.dropConn()
		if !retry.Next(ctx) {
			r.degrade()
			return Envelope{}, errDegraded
		}
	}
}

func (r *Remote) degrade() {
	r.mu.Lock()
	already := r.degraded
	r.degraded = true
	r.mu.Unlock()
	if !already {
		r.log.Warn("remote directory unreachable, degrading to local-only operation")
	}
}

func (r *Remote) callOnce(ctx context.Context, env Envelope) (Envelope, error) {
	conn, err := r.ensureConn(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	env.RequestID = uuid.NewString()
	ch := make(chan Envelope, 1)
	r.mu.Lock()
	r.pending[env.RequestID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, env.RequestID)
		r.mu.Unlock()
	}()

	if err := r.writeJSON(conn, env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	select {
	case resp, ok := <-ch:
		if !ok {
			return Envelope{}, fmt.Errorf("%w: connection lost", ErrTransport)
		}
		return resp, nil
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
	}
}

// ensureConn dials and sends the hello exactly once per connection.
func (r *Remote) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("directory closed")
	}
	if r.conn != nil {
		conn := r.conn
		r.mu.Unlock()
		return conn, nil
	}
	r.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, r.url, nil)
	if err != nil {
		return nil, err
	}
	if err := r.writeJSON(conn, Envelope{Type: MessageHello, PeerID: r.peerID}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	go r.readLoop(conn)
	r.log.WithField("url", r.url).Info("directory connected")
	return conn, nil
}

func (r *Remote) writeJSON(conn *websocket.Conn, env Envelope) error {
	// gorilla permits one concurrent writer; the pending map mutex doubles
	// as the write lock because every write happens under a call.
	r.mu.Lock()
	defer r.mu.Unlock()
	return conn.WriteJSON(env)
}

func (r *Remote) dropConn() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// readLoop routes replies to their pending calls and folds push updates
// into the cached local view.
func (r *Remote) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			r.failPending(conn)
			return
		}

		if env.RequestID != "" {
			r.mu.Lock()
			ch := r.pending[env.RequestID]
			r.mu.Unlock()
			if ch != nil {
				select {
				case ch <- env:
				default:
				}
			}
			continue
		}

		switch env.Type {
		case MessagePartyUpdate:
			r.cacheParty(env.Party)
		case MessagePeerJoined:
			r.log.WithFields(logrus.Fields{"party": env.PartyID, "peer": peerIDOf(env)}).Info("peer joined")
			r.cacheParty(env.Party)
		case MessagePeerLeft:
			r.log.WithFields(logrus.Fields{"party": env.PartyID, "peer": env.PeerID}).Info("peer left")
			r.cacheParty(env.Party)
		}
	}
}

// failPending closes outstanding call channels after a read failure so
// callers fail fast instead of waiting out their timeout.
func (r *Remote) failPending(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	r.mu.Unlock()
	_ = conn.Close()
}

func (r *Remote) cacheParty(party *model.PartyRecord) {
	if party == nil {
		return
	}
	r.local.importParty(party)
}

func peerIDOf(env Envelope) string {
	if env.Peer != nil {
		return env.Peer.ID
	}
	return env.PeerID
}
