package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/risefleet/botd/internal/idgen"
	"github.com/risefleet/botd/internal/realtime"
)

// wsWriter is the write half of a WebSocket connection. The send side takes
// this interface so tests can capture frames without a real socket.
type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// frame is a bare control message: connection acks, pong, message_sent, and
// the connect/disconnect notices. Event deliveries never use this shape;
// they are full realtime.Event envelopes.
type frame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// controlFrame is what clients send on the socket.
type controlFrame struct {
	Type      string `json:"type"`
	ProfileID string `json:"profile_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

func writeFrame(ctx context.Context, writer wsWriter, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return writer.Write(ctx, websocket.MessageText, data)
}

// nullable keeps absent string fields as JSON null on the wire instead of "".
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// handleWS bridges one WebSocket connection to one bus subscription.
//
// Query parameters: profile_id scopes the subscription to one profile,
// subscribe_global=true subscribes to everything, user_id suppresses echo of
// the user's own messages, last_event_id replays missed history before live
// delivery starts. With neither profile_id nor subscribe_global the
// connection gets no send loop and only services control frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("event bus"))
		return
	}

	query := r.URL.Query()
	profileID := query.Get("profile_id")
	userID := query.Get("user_id")
	subscribeGlobal := query.Get("subscribe_global") == "true"
	lastEventID := query.Get("last_event_id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	connID := idgen.New()
	log := s.logger().WithFields(logrus.Fields{
		"connection_id": connID,
		"user_id":       userID,
	})

	// Cleanup runs in declaration-reverse order: deregister, unsubscribe,
	// best-effort disconnect notice, close. Each step tolerates the others
	// having already failed.
	defer conn.Close(websocket.StatusNormalClosure, "")
	defer func() {
		notifyCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = writeFrame(notifyCtx, conn, frame{
			Type:    string(realtime.KindBotDisconnected),
			Payload: map[string]any{"connection_id": connID},
		})
	}()
	// Safe for never-subscribed connections too: unknown ids are a no-op.
	defer s.Bus.Unsubscribe(connID)
	defer s.Directory.Deregister(connID)

	s.Directory.Register(connID, userID, profileID)

	var queue *realtime.Queue
	switch {
	case subscribeGlobal:
		queue = s.Bus.SubscribeGlobal(connID, userID)
		log.Info("websocket subscribed globally")
	case profileID != "":
		queue = s.Bus.SubscribeProfile(connID, profileID, userID)
		log.WithField("profile_id", profileID).Info("websocket subscribed to profile")
	default:
		log.Info("websocket connected without subscription")
	}

	ctx := r.Context()
	err = writeFrame(ctx, conn, frame{
		Type: string(realtime.KindBotConnected),
		Payload: map[string]any{
			"connection_id": connID,
			"profile_id":    nullable(profileID),
			"user_id":       nullable(userID),
			"subscribed":    queue != nil,
		},
	})
	if err != nil {
		return
	}

	if lastEventID != "" && queue != nil {
		s.replayMissed(ctx, conn, connID, lastEventID, log)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.wsReceive(ctx, conn, connID, userID, profileID, log)
	})
	if queue != nil {
		g.Go(func() error {
			return pumpEvents(ctx, queue, conn, log)
		})
	}
	if err := g.Wait(); err != nil && !isNormalClose(err) {
		log.WithError(err).Warn("websocket session ended")
	}
}

// replayMissed sends history in order before live delivery begins. A replay
// cursor that is not a UUID is logged and skipped rather than failing the
// whole connection.
func (s *Server) replayMissed(ctx context.Context, writer wsWriter, connID, lastEventID string, log *logrus.Entry) {
	if _, err := uuid.Parse(lastEventID); err != nil {
		log.WithError(err).Error("cannot replay events")
		return
	}
	missed := s.Bus.MissedEvents(connID, lastEventID)
	for _, e := range missed {
		data, err := json.Marshal(e)
		if err != nil {
			log.WithError(err).Error("cannot replay events")
			return
		}
		if err := writer.Write(ctx, websocket.MessageText, data); err != nil {
			log.WithError(err).Error("cannot replay events")
			return
		}
	}
	if len(missed) > 0 {
		log.WithField("count", len(missed)).Info("replayed missed events")
	}
}

// wsReceive reads client frames until the socket errors. Malformed frames
// and unknown types are logged and skipped; the connection stays open.
func (s *Server) wsReceive(ctx context.Context, conn *websocket.Conn, connID, userID, profileID string, log *logrus.Entry) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg controlFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithError(err).Warn("ignoring malformed websocket frame")
			continue
		}
		switch msg.Type {
		case "ping":
			err = writeFrame(ctx, conn, frame{
				Type:    "pong",
				Payload: map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339Nano)},
			})
		case "subscribe":
			if msg.ProfileID == "" {
				continue
			}
			s.Bus.SubscribeProfile(connID, msg.ProfileID, userID)
			err = writeFrame(ctx, conn, frame{
				Type:    "subscribed",
				Payload: map[string]any{"profile_id": msg.ProfileID},
			})
		case "unsubscribe":
			if msg.ProfileID == "" {
				continue
			}
			s.Bus.UnsubscribeProfile(connID, msg.ProfileID)
			err = writeFrame(ctx, conn, frame{
				Type:    "unsubscribed",
				Payload: map[string]any{"profile_id": msg.ProfileID},
			})
		case "chat.message":
			target := msg.ProfileID
			if target == "" {
				target = profileID
			}
			if msg.Content == "" || target == "" {
				continue
			}
			sender := userID
			if sender == "" {
				sender = connID
			}
			messageID := idgen.New()
			s.Bus.Publish(realtime.NewChatMessage(target, sender, messageID, msg.Content, "user"))
			err = writeFrame(ctx, conn, frame{
				Type:    "message_sent",
				Payload: map[string]any{"message_id": messageID, "profile_id": target},
			})
		default:
			log.WithField("type", msg.Type).Warn("unknown websocket message type")
			continue
		}
		if err != nil {
			return err
		}
	}
}

// pumpEvents drains a subscriber queue onto the wire until the context ends
// or a write fails. Split from handleWS so tests can drive it with a fake
// writer.
func pumpEvents(ctx context.Context, queue *realtime.Queue, writer wsWriter, log *logrus.Entry) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-queue.Events():
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}
			switch e.Kind {
			case realtime.KindTradeOrderFilled, realtime.KindChatAssistantStart:
				log.WithField("type", e.Kind).Debug("delivered priority event")
			}
		}
	}
}

func isNormalClose(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
