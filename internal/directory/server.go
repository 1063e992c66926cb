package directory

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"partymesh/internal/model"
)

// Server hosts the shared directory service: it upgrades websocket
// connections, applies directory operations to its store, and pushes
// membership changes to every connected member of the affected party.
type Server struct {
	store    *Local
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu      sync.Mutex
	members map[string]map[*serverClient]struct{} // party id -> subscribers
}

type serverClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	peerID  string
	partyID string
}

func NewServer(store *Local) *Server {
	return &Server{
		store: store,
		log:   logrus.WithField("component", "directory-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		members: make(map[string]map[*serverClient]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.WithField("error", err).Warn("websocket upgrade failed")
		return
	}

	c := &serverClient{conn: conn}
	defer s.dropClient(c)
	s.readLoop(c)
}

func (s *Server) readLoop(c *serverClient) {
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if c.peerID != "" {
				s.log.WithField("peer", c.peerID).Info("client disconnected")
			}
			return
		}
		s.handle(c, env)
	}
}

func (s *Server) handle(c *serverClient, env Envelope) {
	ctx := context.Background()
	reply := Envelope{Type: MessageOK, RequestID: env.RequestID}

	var err error
	switch env.Type {
	case MessageHello:
		c.peerID = env.PeerID
		s.log.WithField("peer", c.peerID).Info("client connected")

	case MessageRegisterParty:
		if env.Peer == nil {
			err = codeToError(CodeBadRequest, "register_party requires a descriptor")
			break
		}
		if err = s.store.RegisterParty(ctx, env.PartyID, env.PartyName, *env.Peer); err == nil {
			s.subscribe(c, env.PartyID)
			reply.Party, _ = s.store.GetParty(ctx, env.PartyID)
		}

	case MessageJoinParty:
		if env.Peer == nil {
			err = codeToError(CodeBadRequest, "join_party requires a descriptor")
			break
		}
		var party *model.PartyRecord
		if party, err = s.store.JoinParty(ctx, env.PartyID, *env.Peer); err == nil {
			s.subscribe(c, env.PartyID)
			reply.Party = party
			s.broadcast(env.PartyID, c, Envelope{
				Type: MessagePeerJoined, PartyID: env.PartyID, Peer: env.Peer, Party: party,
			})
		}

	case MessageLeaveParty:
		if err = s.store.LeaveParty(ctx, env.PartyID, env.PeerID); err == nil {
			party, _ := s.store.GetParty(ctx, env.PartyID)
			s.broadcast(env.PartyID, c, Envelope{
				Type: MessagePeerLeft, PartyID: env.PartyID, PeerID: env.PeerID, Party: party,
			})
			s.unsubscribe(c)
		}

	case MessageHeartbeat:
		err = s.store.Heartbeat(ctx, env.PartyID, env.PeerID)

	case MessageUpdatePeer:
		if env.Peer == nil {
			err = codeToError(CodeBadRequest, "update_peer requires a descriptor")
			break
		}
		if err = s.store.UpdatePeer(ctx, env.PartyID, *env.Peer); err == nil {
			reply.Party, _ = s.store.GetParty(ctx, env.PartyID)
			s.broadcast(env.PartyID, c, Envelope{
				Type: MessagePartyUpdate, PartyID: env.PartyID, Party: reply.Party,
			})
		}

	case MessageGetParty:
		reply.Party, err = s.store.GetParty(ctx, env.PartyID)

	case MessageListRelays:
		reply.Relays, err = s.store.ListRelays(ctx)

	default:
		err = codeToError(CodeBadRequest, "unknown message type "+string(env.Type))
	}

	if err != nil {
		reply = Envelope{
			Type:      MessageError,
			RequestID: env.RequestID,
			ErrorCode: errorToCode(err),
			ErrorMsg:  err.Error(),
		}
	}
	s.send(c, reply)
}

func (s *Server) subscribe(c *serverClient, partyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.partyID != "" {
		if set := s.members[c.partyID]; set != nil {
			delete(set, c)
		}
	}
	c.partyID = partyID
	set := s.members[partyID]
	if set == nil {
		set = make(map[*serverClient]struct{})
		s.members[partyID] = set
	}
	set[c] = struct{}{}
}

func (s *Server) unsubscribe(c *serverClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.members[c.partyID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(s.members, c.partyID)
		}
	}
	c.partyID = ""
}

func (s *Server) dropClient(c *serverClient) {
	s.unsubscribe(c)
	_ = c.conn.Close()
}

// broadcast pushes env to every subscribed member of the party except from.
func (s *Server) broadcast(partyID string, from *serverClient, env Envelope) {
	s.mu.Lock()
	targets := make([]*serverClient, 0, len(s.members[partyID]))
	for c := range s.members[partyID] {
		if c != from {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		s.send(c, env)
	}
}

func (s *Server) send(c *serverClient, env Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		s.log.WithFields(logrus.Fields{"peer": c.peerID, "error": err}).Debug("push dropped")
	}
}
