package matrix

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type fakeSubmitter struct {
	conversations []string
	contents      []string
	err           error
}

func (f *fakeSubmitter) Submit(_ context.Context, conversationID, content string) (string, error) {
	f.conversations = append(f.conversations, conversationID)
	f.contents = append(f.contents, content)
	return "batch-1", f.err
}

func newTestGateway(t *testing.T, sub Submitter) *Gateway {
	t.Helper()
	g, err := NewGateway(Config{
		Homeserver:  "https://matrix.example.org",
		UserID:      "@kaiwa:example.org",
		AccessToken: "syt_test",
	}, sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}
	return g
}

// bind installs a binding without the network round-trip Bind performs.
func bind(g *Gateway, b Binding) {
	g.mu.Lock()
	g.byRoom[id.RoomID(b.RoomID)] = b
	g.byConv[b.ConversationID] = b
	g.mu.Unlock()
}

func textEvent(room, sender, body string) *event.Event {
	content := event.MessageEventContent{MsgType: event.MsgText, Body: body}
	evt := &event.Event{
		RoomID: id.RoomID(room),
		Sender: id.UserID(sender),
	}
	evt.Content.Parsed = &content
	return evt
}

func TestHandleMessage_RoutesBoundRoom(t *testing.T) {
	sub := &fakeSubmitter{}
	g := newTestGateway(t, sub)
	bind(g, Binding{RoomID: "!room:example.org", AgentID: "a1", ConversationID: "c1"})

	g.handleMessage(context.Background(), textEvent("!room:example.org", "@user:example.org", "hello"))

	if len(sub.contents) != 1 || sub.contents[0] != "hello" {
		t.Fatalf("submitted = %v, want [hello]", sub.contents)
	}
	if sub.conversations[0] != "c1" {
		t.Errorf("conversation = %q, want c1", sub.conversations[0])
	}
}

func TestHandleMessage_IgnoresOwnAndUnbound(t *testing.T) {
	sub := &fakeSubmitter{}
	g := newTestGateway(t, sub)
	bind(g, Binding{RoomID: "!room:example.org", AgentID: "a1", ConversationID: "c1"})

	// Own echo.
	g.handleMessage(context.Background(), textEvent("!room:example.org", "@kaiwa:example.org", "echo"))
	// Unbound room.
	g.handleMessage(context.Background(), textEvent("!other:example.org", "@user:example.org", "stray"))
	// Non-text message.
	evt := textEvent("!room:example.org", "@user:example.org", "image")
	evt.Content.Parsed.(*event.MessageEventContent).MsgType = event.MsgImage
	g.handleMessage(context.Background(), evt)

	if len(sub.contents) != 0 {
		t.Errorf("submitted = %v, want none", sub.contents)
	}
}

func TestDeliver_UnboundConversationIsNoOp(t *testing.T) {
	g := newTestGateway(t, &fakeSubmitter{})

	if err := g.Deliver(context.Background(), "gone", "orphan fragment"); err != nil {
		t.Errorf("Deliver() to unbound conversation = %v, want nil", err)
	}
}

func TestNextBackoff_GrowsAndResets(t *testing.T) {
	tests := []struct {
		name    string
		current time.Duration
		ran     time.Duration
		want    time.Duration
	}{
		{"doubles after a quick failure", backoffMin, time.Second, 2 * backoffMin},
		{"keeps doubling", 2 * backoffMin, time.Second, 4 * backoffMin},
		{"caps at the maximum", backoffMax, time.Second, backoffMax},
		{"resets after a healthy sync period", backoffMax, backoffMax + time.Minute, backoffMin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextBackoff(tt.current, tt.ran); got != tt.want {
				t.Errorf("nextBackoff(%v, %v) = %v, want %v", tt.current, tt.ran, got, tt.want)
			}
		})
	}
}

func TestUnbind_RemovesBothDirections(t *testing.T) {
	g := newTestGateway(t, &fakeSubmitter{})
	bind(g, Binding{RoomID: "!room:example.org", AgentID: "a1", ConversationID: "c1"})

	g.Unbind("!room:example.org")

	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.byRoom) != 0 || len(g.byConv) != 0 {
		t.Errorf("bindings left after Unbind: rooms=%d convs=%d", len(g.byRoom), len(g.byConv))
	}
}
