package room

import (
	"context"
	"fmt"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// emptyTimeoutSeconds is how long LiveKit keeps a room alive with no
// participants. Covers the gap between room creation and the caller's media
// actually flowing.
const emptyTimeoutSeconds = 300

// LiveKitService provisions rooms on a LiveKit deployment through its
// RoomService API.
type LiveKitService struct {
	client *lksdk.RoomServiceClient
}

func NewLiveKitService(url, apiKey, apiSecret string) (*LiveKitService, error) {
	if url == "" || apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("room: livekit url, api key and api secret are required")
	}
	return &LiveKitService{
		client: lksdk.NewRoomServiceClient(url, apiKey, apiSecret),
	}, nil
}

func (s *LiveKitService) Create(ctx context.Context, name, metadata string) error {
	_, err := s.client.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:         name,
		Metadata:     metadata,
		EmptyTimeout: emptyTimeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("room: create %s: %w", name, err)
	}
	return nil
}

func (s *LiveKitService) Close(ctx context.Context, name string) error {
	_, err := s.client.DeleteRoom(ctx, &livekit.DeleteRoomRequest{
		Room: name,
	})
	if err != nil {
		return fmt.Errorf("room: close %s: %w", name, err)
	}
	return nil
}
