// Package realtime implements the in-process event distribution core: the
// event model, the bounded-queue publish/subscribe bus, and the connection
// directory that backs the WebSocket gateway.
package realtime

import (
	"fmt"
	"time"

	"github.com/risefleet/botd/internal/idgen"
)

// Kind identifies what an event describes. The set is closed: consumers
// switch over these values and rely on never seeing an unknown one.
type Kind string

const (
	KindMarketUpdate  Kind = "market.update"
	KindMarketSummary Kind = "market.summary"

	KindTradeDecision       Kind = "trade.decision"
	KindTradeOrderSubmitted Kind = "trade.order_submitted"
	KindTradeOrderFilled    Kind = "trade.order_filled"
	KindTradeOrderRejected  Kind = "trade.order_rejected"
	KindTradePositionOpened Kind = "trade.position_opened"
	KindTradePositionClosed Kind = "trade.position_closed"

	KindAccountUpdate         Kind = "account.update"
	KindAccountEquityUpdate   Kind = "account.equity_update"
	KindAccountPositionUpdate Kind = "account.position_update"

	KindChatUserMessage    Kind = "chat.user_message"
	KindChatAssistantStart Kind = "chat.assistant_start"
	KindChatAssistantChunk Kind = "chat.assistant_chunk"
	KindChatAssistantFinal Kind = "chat.assistant_final"
	KindChatHistoryLoaded  Kind = "chat.history_loaded"
	KindChatError          Kind = "chat.error"

	KindProfileUpdated  Kind = "profile.updated"
	KindProfileCreated  Kind = "profile.created"
	KindProfileThinking Kind = "profile.thinking_update"

	KindBotStatus       Kind = "bot.status"
	KindBotError        Kind = "bot.error"
	KindBotConnected    Kind = "bot.connected"
	KindBotDisconnected Kind = "bot.disconnected"
)

var knownKinds = map[Kind]struct{}{
	KindMarketUpdate: {}, KindMarketSummary: {},
	KindTradeDecision: {}, KindTradeOrderSubmitted: {}, KindTradeOrderFilled: {},
	KindTradeOrderRejected: {}, KindTradePositionOpened: {}, KindTradePositionClosed: {},
	KindAccountUpdate: {}, KindAccountEquityUpdate: {}, KindAccountPositionUpdate: {},
	KindChatUserMessage: {}, KindChatAssistantStart: {}, KindChatAssistantChunk: {},
	KindChatAssistantFinal: {}, KindChatHistoryLoaded: {}, KindChatError: {},
	KindProfileUpdated: {}, KindProfileCreated: {}, KindProfileThinking: {},
	KindBotStatus: {}, KindBotError: {}, KindBotConnected: {}, KindBotDisconnected: {},
}

// ParseKind validates a wire string against the known event kinds.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := knownKinds[k]; !ok {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return k, nil
}

// Metadata carries routing and correlation fields. Only set fields are
// serialized; ChunkIndex and TotalChunks are pointers so a zero index
// survives the trip to the wire.
type Metadata struct {
	SenderID      string `json:"sender_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	ChunkIndex    *int   `json:"chunk_index,omitempty"`
	TotalChunks   *int   `json:"total_chunks,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Event is the unit the bus distributes. ID and Timestamp are assigned at
// construction and never changed afterwards; ID is a UUIDv7 string.
// ProfileID is the routing channel key: events without one reach only
// global subscribers.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"type"`
	ProfileID string         `json:"profile_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	Metadata  Metadata       `json:"metadata"`
}

// New builds an event of the given kind. A nil payload becomes an empty map
// so the wire form is always an object.
func New(kind Kind, profileID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        idgen.New(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		ProfileID: profileID,
		Payload:   payload,
	}
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func intp(n int) *int { return &n }

// NewMarketUpdate reports a fresh price observation for one market.
func NewMarketUpdate(symbol string, price, change24h, volume24h, fundingRate float64) Event {
	return New(KindMarketUpdate, "", map[string]any{
		"symbol":       symbol,
		"price":        price,
		"change_24h":   change24h,
		"volume_24h":   volume24h,
		"funding_rate": fundingRate,
	})
}

// NewChatMessage wraps a user-authored chat message bound for a profile.
// SenderID marks the author so their own connections are skipped on fan-out.
func NewChatMessage(profileID, senderID, messageID, content, role string) Event {
	e := New(KindChatUserMessage, profileID, map[string]any{
		"content":   content,
		"role":      role,
		"timestamp": nowStamp(),
	})
	e.Metadata.SenderID = senderID
	e.Metadata.MessageID = messageID
	return e
}

// NewChatStreamStart opens an assistant reply stream.
func NewChatStreamStart(profileID, messageID, correlationID string) Event {
	e := New(KindChatAssistantStart, profileID, map[string]any{
		"message_id": messageID,
		"timestamp":  nowStamp(),
	})
	e.Metadata.MessageID = messageID
	e.Metadata.CorrelationID = correlationID
	return e
}

// NewChatStreamChunk carries one piece of a streamed assistant reply.
// Chunk indexes start at zero.
func NewChatStreamChunk(profileID, messageID, content string, index int, correlationID string) Event {
	e := New(KindChatAssistantChunk, profileID, map[string]any{
		"content":     content,
		"chunk_index": index,
	})
	e.Metadata.MessageID = messageID
	e.Metadata.ChunkIndex = intp(index)
	e.Metadata.CorrelationID = correlationID
	return e
}

// NewChatStreamFinal closes an assistant reply stream with the full content.
func NewChatStreamFinal(profileID, messageID, fullContent, correlationID string, totalChunks int) Event {
	e := New(KindChatAssistantFinal, profileID, map[string]any{
		"content":    fullContent,
		"message_id": messageID,
		"timestamp":  nowStamp(),
	})
	e.Metadata.MessageID = messageID
	e.Metadata.CorrelationID = correlationID
	e.Metadata.TotalChunks = intp(totalChunks)
	return e
}

// NewTradeDecision records what a persona decided to do this cycle.
func NewTradeDecision(profileID, traderName, market, action string, size float64, reason string, confidence float64) Event {
	return New(KindTradeDecision, profileID, map[string]any{
		"trader_name": traderName,
		"market":      market,
		"action":      action,
		"size":        size,
		"reason":      reason,
		"confidence":  confidence,
		"timestamp":   nowStamp(),
	})
}

// NewAccountUpdate reports the account state of a profile after a change.
func NewAccountUpdate(profileID, address string, equity, freeMargin float64, positionsCount int, totalPnL float64) Event {
	return New(KindAccountUpdate, profileID, map[string]any{
		"address":         address,
		"equity":          equity,
		"free_margin":     freeMargin,
		"positions_count": positionsCount,
		"total_pnl":       totalPnL,
		"timestamp":       nowStamp(),
	})
}

// NewEquityUpdate reports a polled equity reading and its delta since the
// previous reading.
func NewEquityUpdate(profileID, address string, equity, change float64) Event {
	return New(KindAccountEquityUpdate, profileID, map[string]any{
		"address":   address,
		"equity":    equity,
		"change":    change,
		"timestamp": nowStamp(),
	})
}

// NewPositionUpdate reports one open position and its mark-to-market PnL.
func NewPositionUpdate(profileID, address, market string, size, entryPrice, unrealizedPnL float64) Event {
	return New(KindAccountPositionUpdate, profileID, map[string]any{
		"address":        address,
		"market":         market,
		"size":           size,
		"entry_price":    entryPrice,
		"unrealized_pnl": unrealizedPnL,
		"timestamp":      nowStamp(),
	})
}
