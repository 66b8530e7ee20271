// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuth               = "auth"
	TypeTypingUpdate       = "typing_update"
	TypeWhoIsTyping        = "who_is_typing"
	TypeSubscribeTyping    = "subscribe_typing"
	TypeUnsubscribeTyping  = "unsubscribe_typing"
	TypeSubscribeRandom    = "subscribe_random"
	TypeUnsubscribeRandom  = "unsubscribe_random"
	TypeJoinChannel        = "join_channel"
	TypeLeaveChannel       = "leave_channel"
	TypeSendMessage        = "message"
	TypeHistory            = "history"
	TypeListChannels       = "list_channels"
	TypeCreateChannel      = "create_channel"
	TypeListUsers          = "list_users"
	TypeUpdateName         = "update_name"
	TypeDeleteUser         = "delete_user"
	TypePing               = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated    = "session_created"
	TypeAuthOK            = "auth_ok"
	TypeTypingUsers       = "typing_users"
	TypeSubscriptionEnded = "subscription_ended"
	TypeRandomNumber      = "random_number"
	TypeChannelMessage    = "channel_message"
	TypeHistoryResult     = "history_result"
	TypeChannelList       = "channel_list"
	TypeChannelCreated    = "channel_created"
	TypeUserList          = "user_list"
	TypeNameUpdated       = "name_updated"
	TypeUserDeleted       = "user_deleted"
	TypeError             = "error"
	TypePong              = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthMsg carries the client's identity token. It must be the first message
// on a new connection; everything else is rejected until it succeeds.
type AuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// TypingUpdateMsg signals that a user started or stopped typing in a channel.
type TypingUpdateMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Username  string `json:"username"`
	Typing    bool   `json:"typing"`
}

// WhoIsTypingMsg requests a one-off snapshot of a channel's typers.
type WhoIsTypingMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// SubscribeTypingMsg opens a live typing subscription for a channel.
type SubscribeTypingMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// UnsubscribeTypingMsg closes the live typing subscription for a channel.
type UnsubscribeTypingMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// SubscribeRandomMsg opens the random-number liveness stream.
type SubscribeRandomMsg struct {
	Type string `json:"type"`
}

// UnsubscribeRandomMsg closes the random-number liveness stream.
type UnsubscribeRandomMsg struct {
	Type string `json:"type"`
}

// JoinChannelMsg subscribes the session to a channel's message feed.
type JoinChannelMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// LeaveChannelMsg unsubscribes the session from a channel's message feed.
type LeaveChannelMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// SendMessageMsg posts a message to a channel.
type SendMessageMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

// HistoryMsg requests recent messages for a channel.
type HistoryMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Limit     int    `json:"limit,omitempty"`
}

// ListChannelsMsg requests the channel directory.
type ListChannelsMsg struct {
	Type string `json:"type"`
}

// CreateChannelMsg creates a new channel.
type CreateChannelMsg struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// ListUsersMsg requests a page of registered users. Admin only.
type ListUsersMsg struct {
	Type   string `json:"type"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// UpdateNameMsg changes the display name of the calling user.
type UpdateNameMsg struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// DeleteUserMsg removes a user account. Admin only.
type DeleteUserMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is
// established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// AuthOKMsg confirms a successful authentication.
type AuthOKMsg struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	Role    string `json:"role"`
}

// TypingUsersMsg carries a channel's current typer list. It is both the
// reply to who_is_typing and every emission of a live subscription.
type TypingUsersMsg struct {
	Type      string   `json:"type"`
	ChannelID string   `json:"channel_id"`
	Users     []string `json:"users"`
}

// SubscriptionEndedMsg notifies the client that a live subscription
// terminated server-side ("expired" for the session duration cap, "error"
// for a bus failure) and that it should resubscribe.
type SubscriptionEndedMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Reason    string `json:"reason"`
}

// RandomNumberMsg is one emission of the liveness stream.
type RandomNumberMsg struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

// ChannelMessageMsg relays a channel message to a subscribed client.
type ChannelMessageMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	Ts        int64  `json:"ts"`
}

// HistoryResultMsg is the reply to a history request.
type HistoryResultMsg struct {
	Type      string              `json:"type"`
	ChannelID string              `json:"channel_id"`
	Messages  []ChannelMessageMsg `json:"messages"`
}

// ChannelInfo is one directory entry in a channel_list reply.
type ChannelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChannelListMsg is the reply to a list_channels request.
type ChannelListMsg struct {
	Type     string        `json:"type"`
	Channels []ChannelInfo `json:"channels"`
}

// ChannelCreatedMsg is the reply to a create_channel request.
type ChannelCreatedMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// UserInfo is one entry in a user_list reply.
type UserInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// UserListMsg is the reply to a list_users request.
type UserListMsg struct {
	Type  string     `json:"type"`
	Users []UserInfo `json:"users"`
}

// NameUpdatedMsg confirms an update_name request.
type NameUpdatedMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserDeletedMsg confirms a delete_user request.
type UserDeletedMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ErrorMsg is a structured error sent to the client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the reply to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Parsing and construction
// ---------------------------------------------------------------------------

// ParseClientMessage decodes raw bytes into the concrete client message
// struct for its type. It returns the message type, the parsed struct, and
// an error for malformed payloads or unknown types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", nil, err
	}

	var msg interface{}
	switch envelope.Type {
	case TypeAuth:
		msg = &AuthMsg{}
	case TypeTypingUpdate:
		msg = &TypingUpdateMsg{}
	case TypeWhoIsTyping:
		msg = &WhoIsTypingMsg{}
	case TypeSubscribeTyping:
		msg = &SubscribeTypingMsg{}
	case TypeUnsubscribeTyping:
		msg = &UnsubscribeTypingMsg{}
	case TypeSubscribeRandom:
		msg = &SubscribeRandomMsg{}
	case TypeUnsubscribeRandom:
		msg = &UnsubscribeRandomMsg{}
	case TypeJoinChannel:
		msg = &JoinChannelMsg{}
	case TypeLeaveChannel:
		msg = &LeaveChannelMsg{}
	case TypeSendMessage:
		msg = &SendMessageMsg{}
	case TypeHistory:
		msg = &HistoryMsg{}
	case TypeListChannels:
		msg = &ListChannelsMsg{}
	case TypeCreateChannel:
		msg = &CreateChannelMsg{}
	case TypeListUsers:
		msg = &ListUsersMsg{}
	case TypeUpdateName:
		msg = &UpdateNameMsg{}
	case TypeDeleteUser:
		msg = &DeleteUserMsg{}
	case TypePing:
		msg = &PingMsg{}
	default:
		return envelope.Type, nil, fmt.Errorf("protocol: unknown message type %q", envelope.Type)
	}

	if err := json.Unmarshal(envelope.Raw, msg); err != nil {
		return envelope.Type, nil, fmt.Errorf("protocol: failed to parse %s message: %w", envelope.Type, err)
	}

	return envelope.Type, deref(msg), nil
}

// NewServerMessage builds a serialized server->client message. The payload
// struct's Type field is overwritten with msgType before marshalling.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s payload: %w", msgType, err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("protocol: failed to re-read %s payload: %w", msgType, err)
	}
	fields["type"] = msgType

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s message: %w", msgType, err)
	}
	return data, nil
}

// deref converts the pointer used for unmarshalling into the value handed to
// handlers, so type switches match on concrete structs.
func deref(msg interface{}) interface{} {
	switch m := msg.(type) {
	case *AuthMsg:
		return *m
	case *TypingUpdateMsg:
		return *m
	case *WhoIsTypingMsg:
		return *m
	case *SubscribeTypingMsg:
		return *m
	case *UnsubscribeTypingMsg:
		return *m
	case *SubscribeRandomMsg:
		return *m
	case *UnsubscribeRandomMsg:
		return *m
	case *JoinChannelMsg:
		return *m
	case *LeaveChannelMsg:
		return *m
	case *SendMessageMsg:
		return *m
	case *HistoryMsg:
		return *m
	case *ListChannelsMsg:
		return *m
	case *CreateChannelMsg:
		return *m
	case *ListUsersMsg:
		return *m
	case *UpdateNameMsg:
		return *m
	case *DeleteUserMsg:
		return *m
	case *PingMsg:
		return *m
	default:
		return msg
	}
}
