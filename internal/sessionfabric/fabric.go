// Package sessionfabric is the Session Fabric: the WebSocket accept
// surface, user/game room membership, and cross-node event fanout. It
// turns named client events into Game Coordinator calls and turns
// Coordinator broadcasts into outbound frames on every matching
// connection, on this node or (via Redis Pub/Sub) any other.
package sessionfabric

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-arena/internal/coordinator"
	"github.com/park285/chess-arena/internal/gamestore"
	"github.com/park285/chess-arena/internal/identity"
	"github.com/park285/chess-arena/internal/rooms"
)

const (
	pingInterval  = 30 * time.Second
	fanoutChannel = "chess:fanout"
)

// inbound is the envelope every client-originated event arrives in.
type inbound struct {
	Type            string          `json:"type"`
	GameID          string          `json:"gameId"`
	Move            string          `json:"move,omitempty"`
	ClientTimestamp int64           `json:"clientTimestamp,omitempty"`
	TraceID         string          `json:"traceId,omitempty"`
	Premove         *premovePayload `json:"premove,omitempty"`
}

type premovePayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// outbound is the envelope every server-originated frame is written as.
type outbound struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type gameStatePayload struct {
	Game *gamestore.Game `json:"game"`
}

type opponentJoinedPayload struct {
	GameID string `json:"gameId"`
	UserID string `json:"userId"`
}

// fanoutMessage is published on fanoutChannel so every node, including
// the publisher, observes it; NodeID lets the publisher's own
// subscription ignore what it already delivered locally.
type fanoutMessage struct {
	NodeID  string          `json:"nodeId"`
	Kind    string          `json:"kind"` // "room" or "user"
	Target  string          `json:"target"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type connection struct {
	id     string
	userID string
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu    sync.Mutex
	rooms map[string]struct{}
}

// Fabric owns connection lifecycle, room membership, and fanout. rdb may
// be nil, in which case the fabric behaves as a single-node in-process
// broadcaster.
type Fabric struct {
	coord    *coordinator.Coordinator
	verifier identity.Verifier
	rdb      *redis.Client
	nodeID   string
	logger   *zap.Logger

	mu        sync.RWMutex
	conns     map[string]*connection
	userConns map[string]map[string]*connection
	roomConns map[string]map[string]*connection
}

// New builds a Fabric. verifier and rdb may both be nil: a nil verifier
// falls back to the legacy `userId` query parameter; a nil rdb disables
// cross-node fanout and presence checks.
func New(coord *coordinator.Coordinator, verifier identity.Verifier, rdb *redis.Client, logger *zap.Logger) *Fabric {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fabric{
		coord:     coord,
		verifier:  verifier,
		rdb:       rdb,
		nodeID:    uuid.NewString(),
		logger:    logger,
		conns:     make(map[string]*connection),
		userConns: make(map[string]map[string]*connection),
		roomConns: make(map[string]map[string]*connection),
	}
	if rdb != nil {
		go f.subscribeLoop()
	}
	return f
}

// SetCoordinator attaches the coordinator after construction, breaking
// the circular dependency between the two: the coordinator needs a
// Broadcaster (the fabric) at construction time, and the fabric needs a
// live coordinator to dispatch into.
func (f *Fabric) SetCoordinator(coord *coordinator.Coordinator) {
	f.mu.Lock()
	f.coord = coord
	f.mu.Unlock()
}

// Accept upgrades r to a WebSocket, authenticates the handshake, and
// blocks running the connection's read loop until it closes.
func (f *Fabric) Accept(w http.ResponseWriter, r *http.Request) error {
	userID, err := f.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return err
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{CompressionMode: websocket.CompressionNoContextTakeover})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
	}

	f.addConn(c)
	defer f.removeConn(c)

	go f.pingLoop(c)
	f.readLoop(c)
	return nil
}

func (f *Fabric) authenticate(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" && f.verifier != nil {
		return f.verifier.Verify(r.Context(), token)
	}
	if legacy := strings.TrimSpace(r.URL.Query().Get("userId")); legacy != "" {
		return legacy, nil
	}
	return "", identity.ErrUnauthorized
}

func (f *Fabric) readLoop(c *connection) {
	defer c.cancel()
	for {
		var msg inbound
		if err := wsjson.Read(c.ctx, c.ws, &msg); err != nil {
			_ = c.ws.Close(websocket.StatusGoingAway, "read error")
			return
		}
		f.dispatch(c, msg)
	}
}

func (f *Fabric) pingLoop(c *connection) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.ctx, 3*time.Second)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				_ = c.ws.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (f *Fabric) dispatch(c *connection, msg inbound) {
	ctx := context.Background()
	switch msg.Type {
	case "join_game":
		f.handleJoinGame(ctx, c, msg.GameID)
	case "make_move":
		f.sendErrIfAny(c, f.coord.MakeMove(ctx, coordinator.MakeMoveInput{
			GameID: msg.GameID, UserID: c.userID, Move: msg.Move,
			ClientTimestampMs: msg.ClientTimestamp, TraceID: msg.TraceID,
		}))
	case "set_premove":
		if msg.Premove == nil {
			f.sendTo(c, coordinator.EventError, coordinator.ErrorPayload{Message: "missing premove"})
			return
		}
		f.sendErrIfAny(c, f.coord.SetPremove(ctx, msg.GameID, c.userID, gamestore.Premove{
			From: msg.Premove.From, To: msg.Premove.To, Promotion: msg.Premove.Promotion, TraceID: msg.TraceID,
		}))
	case "cancel_premove":
		f.sendErrIfAny(c, f.coord.CancelPremove(ctx, msg.GameID, c.userID))
	case "resign_game":
		f.sendErrIfAny(c, f.coord.Resign(ctx, msg.GameID, c.userID))
	case "offer_draw":
		f.sendErrIfAny(c, f.coord.OfferDraw(ctx, msg.GameID, c.userID))
	case "accept_draw":
		f.sendErrIfAny(c, f.coord.AcceptDraw(ctx, msg.GameID, c.userID))
	case "reject_draw":
		f.sendErrIfAny(c, f.coord.RejectDraw(ctx, msg.GameID, c.userID))
	case "cancel_game":
		f.sendErrIfAny(c, f.coord.CancelEarly(ctx, msg.GameID, c.userID))
	case "offer_rematch":
		f.sendErrIfAny(c, f.coord.OfferRematch(ctx, msg.GameID, c.userID))
	case "accept_rematch":
		_, err := f.coord.AcceptRematch(ctx, msg.GameID, c.userID, coordinator.DefaultFirstMoveTimeoutMs)
		f.sendErrIfAny(c, err)
	case "reject_rematch":
		f.sendErrIfAny(c, f.coord.RejectRematch(ctx, msg.GameID, c.userID))
	case "leave_game":
		f.leaveGameRoom(ctx, c, msg.GameID)
	default:
		f.sendTo(c, coordinator.EventError, coordinator.ErrorPayload{Message: "unknown event type"})
	}
}

func (f *Fabric) handleJoinGame(ctx context.Context, c *connection, gameID string) {
	g, err := f.coord.JoinGame(ctx, gameID, c.userID)
	if err != nil {
		f.sendErrIfAny(c, err)
		return
	}
	f.joinRoom(c, rooms.Game(gameID))
	f.sendTo(c, coordinator.EventGameState, gameStatePayload{Game: g})
	f.Emit(rooms.Game(gameID), coordinator.EventOpponentJoined, opponentJoinedPayload{GameID: gameID, UserID: c.userID})
}

func (f *Fabric) sendErrIfAny(c *connection, err error) {
	if err == nil {
		return
	}
	f.sendTo(c, coordinator.EventError, coordinator.ErrorPayload{Message: err.Error()})
}

func (f *Fabric) sendTo(c *connection, event string, payload any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, outbound{Event: event, Payload: payload}); err != nil {
		f.logger.Debug("send_failed", zap.String("conn_id", c.id), zap.Error(err))
	}
}

// Emit broadcasts event to every connection in room, on this node and
// (if cross-node fanout is enabled) every other node.
func (f *Fabric) Emit(room, event string, payload any) {
	f.broadcastRoomLocal(room, event, payload)
	f.publishFanout("room", room, event, payload)
}

// EmitToUser sends event to every connection belonging to userID,
// cluster-wide.
func (f *Fabric) EmitToUser(userID, event string, payload any) {
	f.sendUserLocal(userID, event, payload)
	f.publishFanout("user", userID, event, payload)
}

func (f *Fabric) broadcastRoomLocal(room, event string, payload any) {
	f.mu.RLock()
	members := make([]*connection, 0, len(f.roomConns[room]))
	for _, c := range f.roomConns[room] {
		members = append(members, c)
	}
	f.mu.RUnlock()
	for _, c := range members {
		f.sendTo(c, event, payload)
	}
}

func (f *Fabric) sendUserLocal(userID, event string, payload any) {
	f.mu.RLock()
	members := make([]*connection, 0, len(f.userConns[userID]))
	for _, c := range f.userConns[userID] {
		members = append(members, c)
	}
	f.mu.RUnlock()
	for _, c := range members {
		f.sendTo(c, event, payload)
	}
}

func (f *Fabric) publishFanout(kind, target, event string, payload any) {
	if f.rdb == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		f.logger.Error("fanout_marshal_failed", zap.Error(err))
		return
	}
	msg := fanoutMessage{NodeID: f.nodeID, Kind: kind, Target: target, Event: event, Payload: raw}
	body, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error("fanout_envelope_failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.rdb.Publish(ctx, fanoutChannel, body).Err(); err != nil {
		f.logger.Error("fanout_publish_failed", zap.Error(err))
	}
}

func (f *Fabric) subscribeLoop() {
	ctx := context.Background()
	sub := f.rdb.Subscribe(ctx, fanoutChannel)
	defer sub.Close()
	ch := sub.Channel()
	for msg := range ch {
		var fm fanoutMessage
		if err := json.Unmarshal([]byte(msg.Payload), &fm); err != nil {
			f.logger.Error("fanout_decode_failed", zap.Error(err))
			continue
		}
		if fm.NodeID == f.nodeID {
			continue
		}
		switch fm.Kind {
		case "room":
			f.broadcastRoomLocal(fm.Target, fm.Event, json.RawMessage(fm.Payload))
		case "user":
			f.sendUserLocal(fm.Target, fm.Event, json.RawMessage(fm.Payload))
		}
	}
}

// HasLiveConnection reports whether userID has a live connection in
// gameID's room, cluster-wide when presence tracking is enabled.
func (f *Fabric) HasLiveConnection(gameID, userID string) bool {
	room := rooms.Game(gameID)
	if f.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := f.rdb.HGet(ctx, presenceKey(room), userID).Int()
		if err != nil && err != redis.Nil {
			f.logger.Error("presence_check_failed", zap.Error(err))
			return f.hasLiveConnectionLocal(room, userID)
		}
		return n > 0
	}
	return f.hasLiveConnectionLocal(room, userID)
}

func (f *Fabric) hasLiveConnectionLocal(room, userID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, c := range f.roomConns[room] {
		if c.userID == userID {
			return true
		}
	}
	return false
}

func presenceKey(room string) string { return "presence:" + room }

func (f *Fabric) addConn(c *connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[c.id] = c
	if f.userConns[c.userID] == nil {
		f.userConns[c.userID] = make(map[string]*connection)
	}
	f.userConns[c.userID][c.id] = c
}

func (f *Fabric) joinRoom(c *connection, room string) {
	f.mu.Lock()
	if f.roomConns[room] == nil {
		f.roomConns[room] = make(map[string]*connection)
	}
	f.roomConns[room][c.id] = c
	f.mu.Unlock()

	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()

	if f.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := f.rdb.HIncrBy(ctx, presenceKey(room), c.userID, 1).Err(); err != nil {
			f.logger.Error("presence_incr_failed", zap.Error(err))
		}
	}
}

func (f *Fabric) leaveRoom(c *connection, room string) {
	f.mu.Lock()
	if members := f.roomConns[room]; members != nil {
		delete(members, c.id)
		if len(members) == 0 {
			delete(f.roomConns, room)
		}
	}
	f.mu.Unlock()

	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()

	if f.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := f.rdb.HIncrBy(ctx, presenceKey(room), c.userID, -1).Result()
		if err != nil {
			f.logger.Error("presence_decr_failed", zap.Error(err))
		} else if n <= 0 {
			f.rdb.HDel(ctx, presenceKey(room), c.userID)
		}
	}
}

// leaveGameRoom is the shared shape of an explicit leave_game event and
// socket-close cleanup: leave the room, and if that was the user's last
// connection in it, ask the coordinator to arm a disconnect marker.
func (f *Fabric) leaveGameRoom(ctx context.Context, c *connection, gameID string) {
	room := rooms.Game(gameID)
	f.leaveRoom(c, room)
	if f.HasLiveConnection(gameID, c.userID) {
		return
	}
	go func() {
		if err := f.coord.ArmDisconnect(context.Background(), gameID, c.userID); err != nil {
			f.logger.Error("arm_disconnect_failed", zap.String("game_id", gameID), zap.Error(err))
		}
	}()
}

func (f *Fabric) removeConn(c *connection) {
	c.mu.Lock()
	joinedRooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		joinedRooms = append(joinedRooms, room)
	}
	c.mu.Unlock()

	for _, room := range joinedRooms {
		if gameID, ok := rooms.GameIDFromRoom(room); ok {
			f.leaveGameRoom(context.Background(), c, gameID)
			continue
		}
		f.leaveRoom(c, room)
	}

	f.mu.Lock()
	delete(f.conns, c.id)
	if members := f.userConns[c.userID]; members != nil {
		delete(members, c.id)
		if len(members) == 0 {
			delete(f.userConns, c.userID)
		}
	}
	f.mu.Unlock()
}
