package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"graphshell/internal/diagnostics"
	"graphshell/internal/identity"
	"graphshell/internal/synclog"
)

const audience = "graphshell-sync"

var (
	ErrClosed       = errors.New("transport closed")
	ErrNotConnected = errors.New("peer not connected")
	ErrHandshake    = errors.New("handshake failed")
	ErrBadSignature = errors.New("bad delta signature")
	// ErrBackpressure means the peer's outbound queue was full and the delta
	// was dropped; the caller should offer it again later.
	ErrBackpressure = errors.New("outbound queue full")
)

// Self is the local identity as the transport needs it.
type Self interface {
	NodeID() string
	Sign(msg []byte) []byte
	PrivateKey() ed25519.PrivateKey
}

// Envelope is one signed delta on the wire.
type Envelope struct {
	ID        string           `json:"id"`
	From      string           `json:"from"`
	Unit      synclog.SyncUnit `json:"unit"`
	Signature []byte           `json:"signature"`
}

// Delta is an inbound unit whose signature has been verified.
type Delta struct {
	ID         string
	From       string
	Unit       synclog.SyncUnit
	ReceivedAt time.Time
}

// PeerEvent reports a peer connecting or disconnecting.
type PeerEvent struct {
	NodeID    string
	Connected bool
}

type Settings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingTimeout      time.Duration
	TokenTTL         time.Duration
	InboundCapacity  int
	OutboundCapacity int
	SeenTTL          time.Duration
}

func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingTimeout:      10 * time.Second,
		TokenTTL:         time.Minute,
		InboundCapacity:  64,
		OutboundCapacity: 32,
		SeenTTL:          5 * time.Minute,
	}
}

// signedBytes is the canonical form covered by an envelope signature.
func signedBytes(u synclog.SyncUnit) ([]byte, error) {
	return json.Marshal(struct {
		WorkspaceID string                 `json:"workspace_id"`
		Intents     []synclog.SyncedIntent `json:"intents"`
	}{u.WorkspaceID, u.Intents})
}

// Seal signs u as self.
func Seal(self Self, u synclog.SyncUnit) (*Envelope, error) {
	msg, err := signedBytes(u)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        ulid.Make().String(),
		From:      self.NodeID(),
		Unit:      u,
		Signature: self.Sign(msg),
	}, nil
}

// Verify checks that env was signed by env.From.
func (env *Envelope) Verify() error {
	msg, err := signedBytes(env.Unit)
	if err != nil {
		return err
	}
	if !identity.Verify(env.From, msg, env.Signature) {
		return fmt.Errorf("%w: from %s", ErrBadSignature, env.From)
	}
	return nil
}

type peerConn struct {
	nodeID string
	send   chan []byte
	cancel context.CancelFunc
}

// Hub maintains authenticated websocket links to peers. Verified deltas are
// delivered on a bounded channel; when it is full the newest delta is
// dropped and a backpressure event is emitted.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	self     Self
	settings *Settings
	logger   *zap.Logger
	sink     diagnostics.Sink
	upgrader websocket.Upgrader

	inbound chan Delta
	events  chan PeerEvent
	seen    *ttlcache.Cache[string, struct{}]

	mu     sync.Mutex
	conns  map[string]*peerConn
	closed bool
	wg     sync.WaitGroup
}

func NewHub(ctx context.Context, self Self, settings *Settings, logger *zap.Logger, sink diagnostics.Sink) *Hub {
	if settings == nil {
		settings = DefaultSettings()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:      hubCtx,
		cancel:   cancel,
		self:     self,
		settings: settings,
		logger:   logger.Named("transport"),
		sink:     sink,
		upgrader: websocket.Upgrader{HandshakeTimeout: settings.HandshakeTimeout},
		inbound:  make(chan Delta, settings.InboundCapacity),
		events:   make(chan PeerEvent, 16),
		seen: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](settings.SeenTTL),
			ttlcache.WithCapacity[string, struct{}](8192),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		conns: make(map[string]*peerConn),
	}
}

// Inbound delivers verified deltas. The frame loop drains it at Prelude.
func (h *Hub) Inbound() <-chan Delta { return h.inbound }

// PeerEvents delivers connect/disconnect notifications.
func (h *Hub) PeerEvents() <-chan PeerEvent { return h.events }

// Peers returns the node ids of connected peers.
func (h *Hub) Peers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) token() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   h.self.NodeID(),
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(h.settings.TokenTTL)),
		ID:        ulid.Make().String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(h.self.PrivateKey())
}

// verifyToken checks a handshake token signed by the key its subject names
// and returns that subject.
func verifyToken(s string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(s, claims, func(t *jwt.Token) (any, error) {
		sub, err := t.Claims.GetSubject()
		if err != nil {
			return nil, err
		}
		return identity.PublicKey(sub)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return claims.Subject, nil
}

// handshake exchanges tokens: each side writes its own and reads the other's.
func (h *Hub) handshake(ws *websocket.Conn) (string, error) {
	tok, err := h.token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	ws.SetWriteDeadline(time.Now().Add(h.settings.HandshakeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(tok)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	ws.SetReadDeadline(time.Now().Add(h.settings.HandshakeTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if messageType != websocket.TextMessage {
		return "", fmt.Errorf("%w: unexpected message type %d", ErrHandshake, messageType)
	}
	peer, err := verifyToken(string(message))
	if err != nil {
		return "", err
	}
	if peer == h.self.NodeID() {
		return "", fmt.Errorf("%w: connected to self", ErrHandshake)
	}
	ws.SetReadDeadline(time.Time{})
	return peer, nil
}

// Handler accepts inbound peer connections.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.track() {
			http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
			return
		}
		defer h.wg.Done()
		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("upgrade failed", zap.Error(err))
			return
		}
		peer, err := h.handshake(ws)
		if err != nil {
			h.logger.Info("inbound handshake failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			ws.Close()
			return
		}
		h.serve(peer, ws)
	})
}

// track counts a link goroutine unless the hub is closed. Close sets closed
// under the same lock before waiting, so no Add races its Wait.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

// Dial connects to a peer's sync endpoint and returns its node id once
// authenticated. The link runs until ctx or the hub is done.
func (h *Hub) Dial(ctx context.Context, url string) (string, error) {
	if h.ctx.Err() != nil {
		return "", ErrClosed
	}
	dialer := websocket.Dialer{HandshakeTimeout: h.settings.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("dialing %s: %w", url, err)
	}
	peer, err := h.handshake(ws)
	if err != nil {
		ws.Close()
		return "", err
	}
	if !h.track() {
		ws.Close()
		return "", ErrClosed
	}
	go func() {
		defer h.wg.Done()
		h.serve(peer, ws)
	}()
	return peer, nil
}

func (h *Hub) register(peer string) (*peerConn, context.Context) {
	ctx, cancel := context.WithCancel(h.ctx)
	pc := &peerConn{
		nodeID: peer,
		send:   make(chan []byte, h.settings.OutboundCapacity),
		cancel: cancel,
	}
	h.mu.Lock()
	if old, ok := h.conns[peer]; ok {
		old.cancel()
	}
	h.conns[peer] = pc
	h.mu.Unlock()
	h.notify(PeerEvent{NodeID: peer, Connected: true})
	return pc, ctx
}

func (h *Hub) unregister(pc *peerConn) {
	h.mu.Lock()
	current := h.conns[pc.nodeID] == pc
	if current {
		delete(h.conns, pc.nodeID)
	}
	h.mu.Unlock()
	pc.cancel()
	if current {
		h.notify(PeerEvent{NodeID: pc.nodeID, Connected: false})
	}
}

func (h *Hub) notify(e PeerEvent) {
	select {
	case h.events <- e:
	default:
		diagnostics.Emit(h.sink, diagnostics.BackpressureDrop, "peer event dropped", "peer", e.NodeID)
	}
}

func (h *Hub) serve(peer string, ws *websocket.Conn) {
	pc, ctx := h.register(peer)
	defer h.unregister(pc)
	defer ws.Close()

	h.logger.Info("peer connected", zap.String("peer", peer))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		// unblocks the reader
		ws.Close()
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case message := <-pc.send:
				ws.SetWriteDeadline(time.Now().Add(h.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					return fmt.Errorf("write to %s: %w", peer, err)
				}
			case <-time.After(h.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(h.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, nil); err != nil {
					return fmt.Errorf("ping %s: %w", peer, err)
				}
			}
		}
	})
	g.Go(func() error {
		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read from %s: %w", peer, err)
			}
			if messageType != websocket.BinaryMessage || len(message) == 0 {
				continue
			}
			h.receive(peer, message)
		}
	})

	if err := g.Wait(); err != nil {
		h.logger.Info("peer link closed", zap.String("peer", peer), zap.Error(err))
	} else {
		h.logger.Debug("peer link closed", zap.String("peer", peer))
	}
}

func (h *Hub) receive(peer string, message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		h.logger.Debug("undecodable envelope", zap.String("peer", peer), zap.Error(err))
		return
	}
	if env.From != peer {
		h.logger.Info("envelope sender mismatch", zap.String("peer", peer), zap.String("from", env.From))
		return
	}
	if err := env.Verify(); err != nil {
		h.logger.Info("dropping unsigned delta", zap.String("peer", peer), zap.Error(err))
		return
	}
	if h.seen.Get(env.ID) != nil {
		return
	}
	h.seen.Set(env.ID, struct{}{}, ttlcache.DefaultTTL)

	d := Delta{ID: env.ID, From: env.From, Unit: env.Unit, ReceivedAt: time.Now()}
	select {
	case h.inbound <- d:
	default:
		diagnostics.Emit(h.sink, diagnostics.BackpressureDrop, "inbound delta dropped",
			"peer", peer,
			"workspace", env.Unit.WorkspaceID,
		)
	}
}

// Send signs u and queues it for peer. A full outbound queue drops the
// delta, reports a backpressure event and returns ErrBackpressure.
func (h *Hub) Send(peer string, u synclog.SyncUnit) error {
	if h.ctx.Err() != nil {
		return ErrClosed
	}
	h.mu.Lock()
	pc, ok := h.conns[peer]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	env, err := Seal(h.self, u)
	if err != nil {
		return err
	}
	message, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case pc.send <- message:
	default:
		diagnostics.Emit(h.sink, diagnostics.BackpressureDrop, "outbound delta dropped",
			"peer", peer,
			"workspace", u.WorkspaceID,
		)
		return fmt.Errorf("%w: %s", ErrBackpressure, peer)
	}
	return nil
}

// Close tears down every link and waits for their goroutines. Connections
// accepted afterwards are refused.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
	return nil
}
