// Copyright 2024-2026 Aiku AI

package appservice

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Profile is a user's global profile on the homeserver.
type Profile struct {
	Displayname string        `json:"displayname,omitempty"`
	AvatarURL   id.ContentURI `json:"avatar_url,omitempty"`
}

type joinedRoomsResponse struct {
	JoinedRooms []id.RoomID `json:"joined_rooms"`
}

type sendResponse struct {
	EventID id.EventID `json:"event_id"`
}

// Intent performs Client-Server API calls as a specific virtual identity,
// routed through the outbound call gate. Intents are cheap to create and
// hold no state beyond the identity they act as.
type Intent struct {
	gate   *CallGate
	userID id.UserID
}

// NewIntent creates an intent acting as userID. An empty userID acts as the
// appservice bot itself.
func NewIntent(gate *CallGate, userID id.UserID) *Intent {
	return &Intent{gate: gate, userID: userID}
}

// UserID returns the identity this intent acts as.
func (in *Intent) UserID() id.UserID {
	return in.userID
}

// Register creates the identity's account on the homeserver using the
// appservice login type. An already-existing account is treated as success
// since the goal, an account under appservice control, is met either way.
func (in *Intent) Register(ctx context.Context) error {
	_, err := in.gate.Call(ctx, CallRequest{
		Method: http.MethodPost,
		Path:   "/_matrix/client/v3/register",
		Body: map[string]any{
			"type":          "m.login.application_service",
			"username":      localpart(in.userID),
			"inhibit_login": true,
		},
	})
	var callErr *CallError
	if asCallErr(err, &callErr) && callErr.ErrCode == "M_USER_IN_USE" {
		return nil
	}
	return err
}

// Profile fetches the identity's global profile.
func (in *Intent) Profile(ctx context.Context) (*Profile, error) {
	resp, err := in.gate.Call(ctx, CallRequest{
		UserID: in.userID,
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/_matrix/client/v3/profile/%s", in.userID),
	})
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := resp.Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &profile, nil
}

// SetDisplayName updates the identity's display name.
func (in *Intent) SetDisplayName(ctx context.Context, displayname string) error {
	_, err := in.gate.Call(ctx, CallRequest{
		UserID: in.userID,
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/_matrix/client/v3/profile/%s/displayname", in.userID),
		Body:   map[string]string{"displayname": displayname},
	})
	return err
}

// SetPresence updates the identity's presence, with an optional status
// message.
func (in *Intent) SetPresence(ctx context.Context, presence string, statusMsg string) error {
	body := map[string]any{"presence": presence}
	if statusMsg != "" {
		body["status_msg"] = statusMsg
	}
	_, err := in.gate.Call(ctx, CallRequest{
		UserID: in.userID,
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/_matrix/client/v3/presence/%s/status", in.userID),
		Body:   body,
	})
	return err
}

// JoinRoom joins the identity to the given room.
func (in *Intent) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := in.gate.Call(ctx, CallRequest{
		UserID: in.userID,
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/_matrix/client/v3/rooms/%s/join", roomID),
	})
	return err
}

// LeaveRoom removes the identity from the given room.
func (in *Intent) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := in.gate.Call(ctx, CallRequest{
		UserID: in.userID,
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", roomID),
	})
	return err
}

// JoinedRooms lists the rooms the identity is currently joined to.
func (in *Intent) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := in.gate.Call(ctx, CallRequest{
		UserID: in.userID,
		Method: http.MethodGet,
		Path:   "/_matrix/client/v3/joined_rooms",
	})
	if err != nil {
		return nil, err
	}
	var decoded joinedRoomsResponse
	if err := resp.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode joined rooms: %w", err)
	}
	return decoded.JoinedRooms, nil
}

// SendMessage sends an m.room.message event into the room.
//
// Each send uses a fresh transaction ID, so gate-level retries of the same
// call stay idempotent on the homeserver side.
func (in *Intent) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	return in.SendEvent(ctx, roomID, event.EventMessage, content)
}

// SendText sends a plain text message into the room.
func (in *Intent) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	return in.SendMessage(ctx, roomID, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	})
}

// SendEvent sends an arbitrary timeline event into the room.
func (in *Intent) SendEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (id.EventID, error) {
	txnID := uuid.NewString()
	resp, err := in.gate.Call(ctx, CallRequest{
		UserID: in.userID,
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s", roomID, eventType.Type, txnID),
		Body:   content,
	})
	if err != nil {
		return "", err
	}
	var decoded sendResponse
	if err := resp.Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode send response: %w", err)
	}
	return decoded.EventID, nil
}

// SendStateEvent sends a state event into the room.
func (in *Intent) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) (id.EventID, error) {
	resp, err := in.gate.Call(ctx, CallRequest{
		UserID: in.userID,
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s", roomID, eventType.Type, url.PathEscape(stateKey)),
		Body:   content,
	})
	if err != nil {
		return "", err
	}
	var decoded sendResponse
	if err := resp.Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode send response: %w", err)
	}
	return decoded.EventID, nil
}
