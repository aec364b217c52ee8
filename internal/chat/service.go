// Package chat answers user chat messages in persona. The service is a bus
// subscriber like any WebSocket client: it consumes chat.user_message
// events and streams replies back as chat.assistant_* events, so every
// connection watching the profile sees the exchange.
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/risefleet/botd/internal/ai"
	"github.com/risefleet/botd/internal/persona"
	"github.com/risefleet/botd/internal/realtime"
	"github.com/risefleet/botd/internal/store"
)

// SubscriberID is the service's bus registration. It carries no user id,
// so user messages relayed from any connection reach it.
const SubscriberID = "chat-service"

const (
	historyLimit    = 20
	wordsPerChunk   = 6
	defaultChunkGap = 120 * time.Millisecond
)

type Service struct {
	store *store.Store
	ai    *ai.Client
	bus   *realtime.Bus
	log   *logrus.Logger

	chunkGap time.Duration

	mu      sync.Mutex
	markets map[string]string
}

func New(st *store.Store, aiClient *ai.Client, bus *realtime.Bus, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		store:    st,
		ai:       aiClient,
		bus:      bus,
		log:      log,
		chunkGap: defaultChunkGap,
		markets:  make(map[string]string),
	}
}

// Run subscribes to the bus and serves until the context is cancelled.
// Market updates seen on the bus feed the market context personas chat
// under; nothing is fetched from the exchange here.
func (s *Service) Run(ctx context.Context) error {
	q := s.bus.SubscribeGlobal(SubscriberID, "")
	defer s.bus.Unsubscribe(SubscriberID)
	s.log.Info("chat service started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info("chat service stopped")
			return ctx.Err()
		case e := <-q.Events():
			switch e.Kind {
			case realtime.KindMarketUpdate:
				s.rememberMarket(e)
			case realtime.KindChatUserMessage:
				s.handleMessage(ctx, e)
			}
		}
	}
}

func (s *Service) rememberMarket(e realtime.Event) {
	symbol, _ := e.Payload["symbol"].(string)
	if symbol == "" {
		return
	}
	price, _ := e.Payload["price"].(float64)
	change, _ := e.Payload["change_24h"].(float64)
	s.mu.Lock()
	s.markets[symbol] = fmt.Sprintf("%s: $%.2f (%+.1f%% 24h)", symbol, price, change*100)
	s.mu.Unlock()
}

func (s *Service) marketContext() persona.MarketContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbols := make([]string, 0, len(s.markets))
	for sym := range s.markets {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	var lines []string
	for _, sym := range symbols {
		lines = append(lines, s.markets[sym])
	}
	return persona.MarketContext{Lines: lines}
}

func (s *Service) handleMessage(ctx context.Context, e realtime.Event) {
	profileID := e.ProfileID
	content, _ := e.Payload["content"].(string)
	if profileID == "" || content == "" {
		s.log.WithField("event_id", e.ID).Warn("chat message missing profile or content")
		return
	}
	log := s.log.WithField("profile_id", profileID)

	profile, err := s.store.GetProfile(ctx, profileID)
	if err != nil {
		log.WithError(err).Warn("chat for unknown profile")
		s.publishError(profileID, "unknown profile")
		return
	}

	if _, err := s.store.SaveChatMessage(ctx, store.ChatMessage{
		ProfileID: profileID,
		Role:      "user",
		SenderID:  e.Metadata.SenderID,
		Content:   content,
	}); err != nil {
		log.WithError(err).Error("save user message")
	}

	messageID := ulid.Make().String()
	correlationID := ulid.Make().String()
	s.bus.Publish(realtime.NewChatStreamStart(profileID, messageID, correlationID))

	reply, err := s.reply(ctx, profile)
	if err != nil {
		log.WithError(err).Error("generate reply")
		s.publishError(profileID, "could not generate a reply")
		return
	}

	chunks := chunkText(reply, wordsPerChunk)
	for i, chunk := range chunks {
		s.bus.Publish(realtime.NewChatStreamChunk(profileID, messageID, chunk, i, correlationID))
		if s.chunkGap > 0 && i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.chunkGap):
			}
		}
	}
	s.bus.Publish(realtime.NewChatStreamFinal(profileID, messageID, reply, correlationID, len(chunks)))

	if _, err := s.store.SaveChatMessage(ctx, store.ChatMessage{
		ID:        messageID,
		ProfileID: profileID,
		Role:      "assistant",
		Content:   reply,
	}); err != nil {
		log.WithError(err).Error("save assistant message")
	}
	log.WithFields(logrus.Fields{"message_id": messageID, "chunks": len(chunks)}).Info("replied in persona")
}

func (s *Service) reply(ctx context.Context, profile store.Profile) (string, error) {
	system := persona.ChatSystemPrompt(persona.FromProfile(profile), s.marketContext())
	msgs := []ai.Message{{Role: "system", Content: system}}

	history, err := s.store.ListChatMessages(ctx, profile.ID, historyLimit)
	if err != nil {
		return "", fmt.Errorf("load transcript: %w", err)
	}
	for _, m := range history {
		msgs = append(msgs, ai.Message{Role: m.Role, Content: m.Content})
	}

	return s.ai.ChatCompletion(ctx, msgs, false)
}

func (s *Service) publishError(profileID, msg string) {
	s.bus.Publish(realtime.New(realtime.KindChatError, profileID, map[string]any{
		"error": msg,
	}))
}

func chunkText(s string, wordsPer int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	for start := 0; start < len(words); start += wordsPer {
		end := start + wordsPer
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
	}
	return chunks
}
