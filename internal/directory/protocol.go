package directory

import (
	"errors"
	"fmt"

	"partymesh/internal/model"
)

// MessageType tags a control-transport envelope.
type MessageType string

const (
	// Client -> server.
	MessageHello         MessageType = "hello"
	MessageRegisterParty MessageType = "register_party"
	MessageJoinParty     MessageType = "join_party"
	MessageLeaveParty    MessageType = "leave_party"
	MessageHeartbeat     MessageType = "heartbeat"
	MessageUpdatePeer    MessageType = "update_peer"
	MessageGetParty      MessageType = "get_party"
	MessageListRelays    MessageType = "list_relays"

	// Server -> client.
	MessageOK          MessageType = "ok"
	MessageError       MessageType = "error"
	MessagePartyUpdate MessageType = "party_update"
	MessagePeerJoined  MessageType = "peer_joined"
	MessagePeerLeft    MessageType = "peer_left"
)

// Error codes carried in error envelopes.
const (
	CodePartyNotFound = "party_not_found"
	CodePeerNotFound  = "peer_not_found"
	CodePartyExists   = "party_exists"
	CodeBadRequest    = "bad_request"
)

// Envelope is the single message format on the directory transport. Request
// and reply are correlated by RequestID; push messages carry no RequestID.
type Envelope struct {
	Type      MessageType             `json:"type"`
	RequestID string                  `json:"request_id,omitempty"`
	PartyID   string                  `json:"party_id,omitempty"`
	PeerID    string                  `json:"peer_id,omitempty"`
	PartyName string                  `json:"party_name,omitempty"`
	Peer      *model.PeerDescriptor   `json:"peer,omitempty"`
	Party     *model.PartyRecord      `json:"party,omitempty"`
	Relays    []model.RelayDescriptor `json:"relays,omitempty"`
	ErrorCode string                  `json:"error_code,omitempty"`
	ErrorMsg  string                  `json:"error,omitempty"`
}

// errorToCode maps store errors onto wire codes.
func errorToCode(err error) string {
	switch {
	case errors.Is(err, ErrPartyNotFound):
		return CodePartyNotFound
	case errors.Is(err, ErrPeerNotFound):
		return CodePeerNotFound
	case errors.Is(err, ErrPartyExists):
		return CodePartyExists
	default:
		return CodeBadRequest
	}
}

// codeToError is the inverse mapping on the client side.
func codeToError(code, msg string) error {
	switch code {
	case CodePartyNotFound:
		return fmt.Errorf("%w: %s", ErrPartyNotFound, msg)
	case CodePeerNotFound:
		return fmt.Errorf("%w: %s", ErrPeerNotFound, msg)
	case CodePartyExists:
		return fmt.Errorf("%w: %s", ErrPartyExists, msg)
	default:
		return fmt.Errorf("directory error %s: %s", code, msg)
	}
}
