package core

import (
	"encoding/json"
	"time"

	"github.com/dkeye/meshroom/internal/domain"
)

// Message types of the signaling protocol. Negotiation messages use the
// PayloadKind values as their type.
const (
	TypeJoinRoom         = "join_room"
	TypeLeaveRoom        = "leave_room"
	TypeCapability       = "capability_changed"
	TypeLinkHealth       = "link_health"
	TypeParticipantsReq  = "request_participants_list"
	TypeSendMessage      = "send_message"
	TypePing             = "ping"
	TypeMuteParticipant  = "mute_participant"
	TypeFileShare        = "file_share"
	TypeRoomJoined       = "room_joined"
	TypeParticipantJoin  = "participant_joined"
	TypeParticipantLeft  = "participant_left"
	TypeNegotiate        = "negotiate"
	TypePeerStatus       = "peer_status"
	TypeParticipantsList = "participants_list"
	TypeReceiveMessage   = "receive_message"
	TypeRoomClosed       = "room_closed"
	TypeLeft             = "left"
	TypeParticipantMuted = "participant_muted"
	TypeFileShared       = "file_shared"
	TypeDisconnected     = "disconnected"
	TypePong             = "pong"
	TypeError            = "error"
)

// Envelope is decoded first to pick a handler.
type Envelope struct {
	Type string `json:"type"`
}

// Client requests.

type JoinRequest struct {
	Type          string               `json:"type"`
	RoomID        domain.RoomID        `json:"room_id"`
	Username      string               `json:"username"`
	ParticipantID domain.ParticipantID `json:"participant_id,omitempty"`
}

type LeaveRequest struct {
	Type          string               `json:"type"`
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
}

type CapabilityRequest struct {
	Type          string               `json:"type"`
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Flag          string               `json:"flag"`
	Value         bool                 `json:"value"`
}

type LinkHealthRequest struct {
	Type          string               `json:"type"`
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Peer          domain.ParticipantID `json:"peer"`
	Epoch         uint64               `json:"epoch"`
	Status        string               `json:"status"`
}

type ParticipantsRequest struct {
	Type   string        `json:"type"`
	RoomID domain.RoomID `json:"room_id"`
}

type ChatRequest struct {
	Type          string               `json:"type"`
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Message       string               `json:"message"`
}

// MuteRequest asks every member to treat TargetID as muted.
type MuteRequest struct {
	Type     string               `json:"type"`
	RoomID   domain.RoomID        `json:"room_id"`
	TargetID domain.ParticipantID `json:"target_id"`
}

// FileShareRequest announces a file. Only its metadata passes through
// the server.
type FileShareRequest struct {
	Type     string          `json:"type"`
	RoomID   domain.RoomID   `json:"room_id"`
	FileInfo json.RawMessage `json:"file_info"`
}

// Server events.

// PeerTarget tells a joiner which members to connect to and whether it
// is the designated initiator for the pair.
type PeerTarget struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Username      string               `json:"username"`
	Initiator     bool                 `json:"initiator"`
	Epoch         uint64               `json:"epoch"`
}

type RoomJoinedEvent struct {
	Type          string               `json:"type"`
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Participants  []domain.Participant `json:"participants"`
	ConnectTo     []PeerTarget         `json:"connect_to"`
	ICEServers    []string             `json:"ice_servers,omitempty"`
}

// MembershipEvent is sent as participant_joined and participant_left.
type MembershipEvent struct {
	Type          string               `json:"type"`
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Username      string               `json:"username"`
	Capabilities  *domain.Capabilities `json:"capabilities,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
}

// NegotiateRequest asks To to create an offer for Peer at Epoch.
type NegotiateRequest struct {
	Type   string               `json:"type"`
	RoomID domain.RoomID        `json:"room_id"`
	To     domain.ParticipantID `json:"-"`
	Peer   domain.ParticipantID `json:"peer"`
	Epoch  uint64               `json:"epoch"`
	Reason string               `json:"reason"`
}

type CapabilityEvent struct {
	Type          string               `json:"type"`
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Flag          domain.Capability    `json:"flag"`
	Value         bool                 `json:"value"`
	Capabilities  domain.Capabilities  `json:"capabilities"`
}

type PeerStatusValue string

const (
	StatusConnecting   PeerStatusValue = "connecting"
	StatusReconnecting PeerStatusValue = "reconnecting"
	StatusConnected    PeerStatusValue = "connected"
	StatusFailed       PeerStatusValue = "failed"
)

// PeerStatus reports the connection state of the To-Peer link to To.
type PeerStatus struct {
	Type   string               `json:"type"`
	RoomID domain.RoomID        `json:"room_id"`
	To     domain.ParticipantID `json:"-"`
	Peer   domain.ParticipantID `json:"peer"`
	Epoch  uint64               `json:"epoch"`
	Status PeerStatusValue      `json:"status"`
}

type ParticipantsListEvent struct {
	Type         string               `json:"type"`
	RoomID       domain.RoomID        `json:"room_id"`
	Participants []domain.Participant `json:"participants"`
}

type ChatEvent struct {
	Type          string               `json:"type"`
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Username      string               `json:"username"`
	Message       string               `json:"message"`
	Timestamp     time.Time            `json:"timestamp"`
}

type ParticipantMutedEvent struct {
	Type      string               `json:"type"`
	RoomID    domain.RoomID        `json:"room_id"`
	TargetID  domain.ParticipantID `json:"target_id"`
	MutedBy   domain.ParticipantID `json:"muted_by"`
	Timestamp time.Time            `json:"timestamp"`
}

type FileSharedEvent struct {
	Type          string               `json:"type"`
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Username      string               `json:"username"`
	FileInfo      json.RawMessage      `json:"file_info"`
	Timestamp     time.Time            `json:"timestamp"`
}

// DisconnectedEvent is the last message of a participant removed by an
// operator.
type DisconnectedEvent struct {
	Type          string               `json:"type"`
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Reason        string               `json:"reason"`
}

type RoomClosedEvent struct {
	Type   string        `json:"type"`
	RoomID domain.RoomID `json:"room_id"`
}

// LeftEvent acknowledges leave_room to the leaver.
type LeftEvent struct {
	Type          string               `json:"type"`
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
}

type ErrorEvent struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func NewError(err error) ErrorEvent {
	return ErrorEvent{Type: TypeError, Error: domain.Code(err), Detail: err.Error()}
}
