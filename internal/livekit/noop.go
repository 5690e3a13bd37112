package livekit

import "context"

// NoopRooms satisfies Rooms without a media server. Used in development when
// no server credentials are configured; tokens minted against it will not
// grant access to anything real.
type NoopRooms struct{}

// NewNoopRooms creates a room provisioner that accepts every request.
func NewNoopRooms() *NoopRooms {
	return &NoopRooms{}
}

// CreateRoom echoes the request back as if the room existed.
func (n *NoopRooms) CreateRoom(_ context.Context, req CreateRoomRequest) (Room, error) {
	return Room{
		Name:            req.Name,
		EmptyTimeout:    req.EmptyTimeout,
		MaxParticipants: req.MaxParticipants,
		Metadata:        req.Metadata,
	}, nil
}

// DeleteRoom does nothing.
func (n *NoopRooms) DeleteRoom(_ context.Context, _ string) error {
	return nil
}

// ListRooms reports no active rooms.
func (n *NoopRooms) ListRooms(_ context.Context, _ []string) ([]Room, error) {
	return nil, nil
}
