package sse

import (
  "testing"

  "github.com/google/uuid"

  "github.com/studydeck/backend/internal/logger"
)

func newTestHub(t *testing.T) *SSEHub {
  t.Helper()
  log, err := logger.New("test")
  if err != nil {
    t.Fatalf("failed to init logger: %v", err)
  }
  return NewSSEHub(log)
}

func TestBroadcastReachesSubscribedClientsOnly(t *testing.T) {
  hub := newTestHub(t)
  lectureID := uuid.New()
  channel := LectureChannel(lectureID)

  subscribed := hub.NewSSEClient()
  hub.AddChannel(subscribed, channel)
  other := hub.NewSSEClient()
  hub.AddChannel(other, LectureChannel(uuid.New()))

  hub.Broadcast(SSEMessage{
    Channel: channel,
    Event:   SSEEventPipelineProgress,
    Data:    map[string]any{"progress": 25},
  })

  select {
  case msg := <-subscribed.Outbound:
    if msg.Event != SSEEventPipelineProgress {
      t.Fatalf("expected progress event, got %q", msg.Event)
    }
  default:
    t.Fatalf("expected a delivered message")
  }

  select {
  case msg := <-other.Outbound:
    t.Fatalf("unexpected message on other client: %+v", msg)
  default:
  }
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
  hub := newTestHub(t)
  channel := LectureChannel(uuid.New())
  client := hub.NewSSEClient()
  hub.AddChannel(client, channel)

  // Overfill the outbound buffer; Broadcast must not block.
  for i := 0; i < cap(client.Outbound)+5; i++ {
    hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventPipelineProgress})
  }
  if got := len(client.Outbound); got != cap(client.Outbound) {
    t.Fatalf("expected full buffer of %d, got %d", cap(client.Outbound), got)
  }
}

func TestRemoveClientUnsubscribesEverywhere(t *testing.T) {
  hub := newTestHub(t)
  channel := LectureChannel(uuid.New())
  client := hub.NewSSEClient()
  hub.AddChannel(client, channel)

  hub.RemoveClient(client)
  hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventPipelineCompleted})

  select {
  case msg := <-client.Outbound:
    t.Fatalf("unexpected message after removal: %+v", msg)
  default:
  }
}
