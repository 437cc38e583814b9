// Package matrix bridges Kaiwa agents into Matrix rooms. Inbound room
// messages feed the debounce buffer; outbound reply fragments land back in
// the bound room with a typing notice ahead of each one.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix connection settings.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Submitter receives inbound room messages. Satisfied by debounce.Buffer.
type Submitter interface {
	Submit(ctx context.Context, conversationID, content string) (string, error)
}

// Binding ties a room to an agent's conversation.
type Binding struct {
	RoomID         string
	AgentID        string
	ConversationID string
}

// typingTimeout is how long a typing notice stays alive if the message never
// follows it.
const typingTimeout = 6 * time.Second

// Reconnect backoff bounds for the sync loop.
const (
	backoffMin = 2 * time.Second
	backoffMax = 5 * time.Minute
)

// nextBackoff doubles the reconnect delay up to backoffMax. A sync that ran
// longer than the cap counts as a healthy period and resets the ladder.
func nextBackoff(current, ran time.Duration) time.Duration {
	if ran > backoffMax {
		return backoffMin
	}
	if current *= 2; current > backoffMax {
		current = backoffMax
	}
	return current
}

// Gateway is the Matrix side of Kaiwa: one client serving every bound room.
type Gateway struct {
	client    *mautrix.Client
	userID    id.UserID
	submitter Submitter
	logger    *slog.Logger
	stopCh    chan struct{}

	mu      sync.RWMutex
	byRoom  map[id.RoomID]Binding
	byConv  map[string]Binding
	stopped bool
}

// NewGateway creates a Gateway. The submitter may be nil at construction to
// break the wiring cycle (gateway → buffer → orchestrator → gateway); set it
// with SetSubmitter before Start. Call Start to begin syncing.
func NewGateway(cfg Config, submitter Submitter, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	return &Gateway{
		client:    client,
		userID:    id.UserID(cfg.UserID),
		submitter: submitter,
		logger:    logger,
		stopCh:    make(chan struct{}),
		byRoom:    make(map[id.RoomID]Binding),
		byConv:    make(map[string]Binding),
	}, nil
}

// SetSubmitter installs the inbound message sink. Must be called before
// Start.
func (g *Gateway) SetSubmitter(s Submitter) {
	g.mu.Lock()
	g.submitter = s
	g.mu.Unlock()
}

// Bind joins a room and routes its messages into the agent's conversation.
func (g *Gateway) Bind(ctx context.Context, b Binding) error {
	roomID := id.RoomID(b.RoomID)
	if _, err := g.client.JoinRoomByID(ctx, roomID); err != nil {
		// Already a member reads as forbidden on some homeservers.
		if !errors.Is(err, mautrix.MForbidden) {
			return fmt.Errorf("matrix: join room %s: %w", b.RoomID, err)
		}
		g.logger.Warn("room join refused, assuming existing membership", "room_id", b.RoomID)
	}

	g.mu.Lock()
	g.byRoom[roomID] = b
	g.byConv[b.ConversationID] = b
	g.mu.Unlock()

	g.logger.Info("room bound",
		"room_id", b.RoomID,
		"agent_id", b.AgentID,
		"conversation_id", b.ConversationID)
	return nil
}

// Unbind stops routing a room. Outbound fragments for its conversation
// become no-ops.
func (g *Gateway) Unbind(roomID string) {
	g.mu.Lock()
	if b, ok := g.byRoom[id.RoomID(roomID)]; ok {
		delete(g.byRoom, id.RoomID(roomID))
		delete(g.byConv, b.ConversationID)
	}
	g.mu.Unlock()
}

// Start begins syncing in the background, reconnecting with exponential
// backoff on transient homeserver errors.
func (g *Gateway) Start() error {
	syncer, ok := g.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("matrix: unexpected syncer type %T", g.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, g.handleMessage)

	go func() {
		backoff := backoffMin
		for {
			started := time.Now()
			err := g.client.Sync()
			if err == nil {
				return
			}
			select {
			case <-g.stopCh:
				return
			default:
			}
			g.logger.Error("matrix sync stopped, reconnecting", "error", err, "backoff", backoff)
			select {
			case <-g.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, time.Since(started))
		}
	}()
	return nil
}

// Stop ends the sync loop.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.mu.Unlock()

	close(g.stopCh)
	g.client.StopSync()
}

// handleMessage routes one inbound room message into the debounce buffer.
func (g *Gateway) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == g.userID {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return
	}

	g.mu.RLock()
	binding, ok := g.byRoom[evt.RoomID]
	sub := g.submitter
	g.mu.RUnlock()
	if !ok || sub == nil {
		return
	}

	batchID, err := sub.Submit(ctx, binding.ConversationID, content.Body)
	if err != nil {
		g.logger.Warn("inbound message rejected",
			"room_id", evt.RoomID,
			"conversation_id", binding.ConversationID,
			"error", err)
		// Tell the room instead of silently eating the message.
		if _, sendErr := g.client.SendNotice(ctx, evt.RoomID, "message not accepted: "+err.Error()); sendErr != nil {
			g.logger.Warn("rejection notice failed", "room_id", evt.RoomID, "error", sendErr)
		}
		return
	}
	g.logger.Debug("inbound message buffered",
		"room_id", evt.RoomID,
		"conversation_id", binding.ConversationID,
		"batch_id", batchID)
}

// Deliver implements dispatch.Recipient: a typing notice, then the fragment
// text, into the conversation's bound room. An unbound conversation (agent
// deleted or room unbound mid-schedule) is a quiet no-op.
func (g *Gateway) Deliver(ctx context.Context, conversationID, text string) error {
	g.mu.RLock()
	binding, ok := g.byConv[conversationID]
	g.mu.RUnlock()
	if !ok {
		g.logger.Debug("delivery target unbound, dropping fragment",
			"conversation_id", conversationID)
		return nil
	}

	roomID := id.RoomID(binding.RoomID)
	if _, err := g.client.UserTyping(ctx, roomID, true, typingTimeout); err != nil {
		g.logger.Debug("typing notice failed", "room_id", binding.RoomID, "error", err)
	}
	if _, err := g.client.SendText(ctx, roomID, text); err != nil {
		return fmt.Errorf("matrix: send to room %s: %w", binding.RoomID, err)
	}
	if _, err := g.client.UserTyping(ctx, roomID, false, 0); err != nil {
		g.logger.Debug("typing clear failed", "room_id", binding.RoomID, "error", err)
	}
	return nil
}
