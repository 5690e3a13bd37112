// Package livekit provisions media rooms and mints access tokens for a
// LiveKit-compatible server. Room administration goes over the server's
// Twirp HTTP API; participant credentials are self-signed JWTs, so no
// network round-trip is needed to issue one.
package livekit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Rooms is the room-provisioning surface the session lifecycle depends on.
type Rooms interface {
	// CreateRoom provisions a room, or returns the existing room when one
	// with the same name is already live.
	CreateRoom(ctx context.Context, req CreateRoomRequest) (Room, error)

	// DeleteRoom closes a room and disconnects its participants.
	DeleteRoom(ctx context.Context, name string) error

	// ListRooms returns currently active rooms, optionally filtered by name.
	ListRooms(ctx context.Context, names []string) ([]Room, error)
}

// CreateRoomRequest configures a new room.
type CreateRoomRequest struct {
	Name string `json:"name"`

	// EmptyTimeout is how long the server keeps the room open with no
	// participants, in seconds.
	EmptyTimeout int `json:"empty_timeout,omitempty"`

	MaxParticipants int `json:"max_participants,omitempty"`

	// Metadata is an opaque string attached to the room, readable by every
	// participant at join time.
	Metadata string `json:"metadata,omitempty"`
}

// Room is the server's view of a live room.
type Room struct {
	SID             string `json:"sid"`
	Name            string `json:"name"`
	EmptyTimeout    int    `json:"empty_timeout"`
	MaxParticipants int    `json:"max_participants"`
	CreationTime    int64  `json:"creation_time,string"`
	Metadata        string `json:"metadata"`
	NumParticipants int    `json:"num_participants"`
}

// Client talks to a LiveKit server's RoomService over Twirp JSON.
// All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
}

// NewClient creates a room-service client. serverURL may use a ws:// or
// wss:// scheme (the form handed to media clients); it is normalized to the
// HTTP endpoint the Twirp API lives on.
func NewClient(serverURL, apiKey, apiSecret string) (*Client, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("livekit: server URL is required")
	}
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("livekit: api key/secret required")
	}

	httpURL := serverURL
	switch {
	case strings.HasPrefix(httpURL, "wss://"):
		httpURL = "https://" + httpURL[len("wss://"):]
	case strings.HasPrefix(httpURL, "ws://"):
		httpURL = "http://" + httpURL[len("ws://"):]
	}

	return &Client{
		baseURL:   strings.TrimRight(httpURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// CreateRoom provisions a room with the given configuration.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (Room, error) {
	if req.Name == "" {
		return Room{}, fmt.Errorf("livekit: room name is required")
	}
	var room Room
	if err := c.twirp(ctx, "CreateRoom", req, &room); err != nil {
		return Room{}, err
	}
	return room, nil
}

// DeleteRoom closes the named room. Deleting a room that no longer exists
// is not an error on current server versions, but callers should treat the
// operation as best-effort either way.
func (c *Client) DeleteRoom(ctx context.Context, name string) error {
	body := map[string]string{"room": name}
	return c.twirp(ctx, "DeleteRoom", body, nil)
}

// ListRooms returns active rooms. With a non-empty names filter, only rooms
// matching one of the names are returned.
func (c *Client) ListRooms(ctx context.Context, names []string) ([]Room, error) {
	body := map[string]any{}
	if len(names) > 0 {
		body["names"] = names
	}
	var resp struct {
		Rooms []Room `json:"rooms"`
	}
	if err := c.twirp(ctx, "ListRooms", body, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// twirp posts one RoomService RPC and decodes the response into dest.
func (c *Client) twirp(ctx context.Context, method string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("livekit: marshal %s request: %w", method, err)
	}

	url := c.baseURL + "/twirp/livekit.RoomService/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("livekit: create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := mintAdminToken(c.apiKey, c.apiSecret)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("livekit: %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("livekit: read %s response: %w", method, err)
	}

	if resp.StatusCode >= 400 {
		// Twirp errors carry {"code": ..., "msg": ...}.
		var twerr struct {
			Code string `json:"code"`
			Msg  string `json:"msg"`
		}
		if err := json.Unmarshal(bodyBytes, &twerr); err == nil && twerr.Code != "" {
			return fmt.Errorf("livekit: %s: %s: %s", method, twerr.Code, twerr.Msg)
		}
		return fmt.Errorf("livekit: %s: unexpected status %d", method, resp.StatusCode)
	}

	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("livekit: decode %s response: %w", method, err)
	}
	return nil
}
