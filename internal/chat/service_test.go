package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/risefleet/botd/internal/ai"
	"github.com/risefleet/botd/internal/realtime"
	"github.com/risefleet/botd/internal/store"
	"github.com/risefleet/botd/internal/testutil"
)

func newTestService(t *testing.T, aiURL string) (*Service, *store.Store) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	st := store.NewStore(db)
	s := New(st, ai.NewClient("test-key", "anthropic/claude-3-haiku", aiURL, nil), realtime.NewBus(), nil)
	s.chunkGap = 0
	return s, st
}

func createProfile(t *testing.T, st *store.Store) store.Profile {
	t.Helper()
	p, err := st.CreateProfile(context.Background(), store.Profile{
		Name: "Degen Dave", Handle: "degen-dave", Bio: "All gas no brakes.",
		TradingStyle: "degen", RiskTolerance: 0.9, IsActive: true,
	})
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	return p
}

func drainEvents(q *realtime.Queue) []realtime.Event {
	var out []realtime.Event
	for {
		select {
		case e := <-q.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestHandleMessageStreamsPersonaReply(t *testing.T) {
	const reply = "gm. BTC looks strong here, I like the momentum today."
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, reply)
	}))
	defer srv.Close()

	s, st := newTestService(t, srv.URL)
	profile := createProfile(t, st)
	q := s.bus.SubscribeGlobal("watcher", "")

	s.handleMessage(context.Background(), realtime.NewChatMessage(profile.ID, "user-1", "msg-1", "what do you think of BTC?", "user"))

	events := drainEvents(q)
	if len(events) < 3 {
		t.Fatalf("expected start+chunks+final, got %d events", len(events))
	}
	if events[0].Kind != realtime.KindChatAssistantStart {
		t.Fatalf("expected assistant_start first, got %s", events[0].Kind)
	}
	final := events[len(events)-1]
	if final.Kind != realtime.KindChatAssistantFinal {
		t.Fatalf("expected assistant_final last, got %s", final.Kind)
	}
	if final.Payload["content"] != reply {
		t.Fatalf("final content = %q", final.Payload["content"])
	}

	chunks := events[1 : len(events)-1]
	if *final.Metadata.TotalChunks != len(chunks) {
		t.Fatalf("total_chunks = %d, streamed %d", *final.Metadata.TotalChunks, len(chunks))
	}
	for i, c := range chunks {
		if c.Kind != realtime.KindChatAssistantChunk {
			t.Fatalf("event %d: expected chunk, got %s", i+1, c.Kind)
		}
		if *c.Metadata.ChunkIndex != i {
			t.Fatalf("chunk %d carries index %d", i, *c.Metadata.ChunkIndex)
		}
		if c.Metadata.CorrelationID != events[0].Metadata.CorrelationID {
			t.Fatalf("chunk %d correlation id diverged", i)
		}
		if c.Metadata.MessageID != final.Metadata.MessageID {
			t.Fatalf("chunk %d message id diverged", i)
		}
	}

	msgs, err := st.ListChatMessages(context.Background(), profile.ID, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user+assistant in transcript, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].SenderID != "user-1" {
		t.Fatalf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != reply {
		t.Fatalf("unexpected assistant message: %+v", msgs[1])
	}
	if msgs[1].ID != final.Metadata.MessageID {
		t.Fatalf("stored assistant id %q != stream message id %q", msgs[1].ID, final.Metadata.MessageID)
	}
}

func TestHandleMessageUnknownProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("model should not be called for unknown profile")
	}))
	defer srv.Close()

	s, _ := newTestService(t, srv.URL)
	q := s.bus.SubscribeGlobal("watcher", "")

	s.handleMessage(context.Background(), realtime.NewChatMessage("nope", "user-1", "msg-1", "hello?", "user"))

	events := drainEvents(q)
	if len(events) != 1 || events[0].Kind != realtime.KindChatError {
		t.Fatalf("expected a single chat.error, got %+v", events)
	}
}

func TestHandleMessageModelFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	s, st := newTestService(t, srv.URL)
	profile := createProfile(t, st)
	q := s.bus.SubscribeGlobal("watcher", "")

	s.handleMessage(context.Background(), realtime.NewChatMessage(profile.ID, "user-1", "msg-1", "hello?", "user"))

	events := drainEvents(q)
	if len(events) != 2 {
		t.Fatalf("expected start then error, got %d events", len(events))
	}
	if events[0].Kind != realtime.KindChatAssistantStart || events[1].Kind != realtime.KindChatError {
		t.Fatalf("unexpected sequence %s, %s", events[0].Kind, events[1].Kind)
	}

	msgs, err := st.ListChatMessages(context.Background(), profile.ID, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("user message should still be persisted, got %+v", msgs)
	}
}

func TestRunReactsToBusTraffic(t *testing.T) {
	var systemSeen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages []ai.Message `json:"messages"`
		}
		_ = json.Unmarshal(body, &req)
		if len(req.Messages) > 0 && req.Messages[0].Role == "system" {
			systemSeen = req.Messages[0].Content
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"bullish"}}]}`))
	}))
	defer srv.Close()

	s, st := newTestService(t, srv.URL)
	profile := createProfile(t, st)
	q := s.bus.SubscribeGlobal("watcher", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	// Give Run a moment to register before publishing.
	waitFor(t, func() bool { return s.bus.Counts().Global >= 2 })

	s.bus.Publish(realtime.NewMarketUpdate("BTC-USD", 95000, 0.023, 1500000, 0.0001))
	s.bus.Publish(realtime.NewChatMessage(profile.ID, "user-1", "msg-1", "thoughts on BTC?", "user"))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-q.Events():
			if e.Kind != realtime.KindChatAssistantFinal {
				continue
			}
			if e.Payload["content"] != "bullish" {
				t.Fatalf("final content = %q", e.Payload["content"])
			}
			if !strings.Contains(systemSeen, "BTC-USD: $95000.00 (+2.3% 24h)") {
				t.Fatalf("system prompt missing observed market line:\n%s", systemSeen)
			}
			cancel()
			<-done
			return
		case <-deadline:
			t.Fatal("timed out waiting for assistant_final")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestChunkText(t *testing.T) {
	cases := []struct {
		in       string
		wordsPer int
		want     []string
	}{
		{"", 6, nil},
		{"one two three", 6, []string{"one two three"}},
		{"a b c d e f g h", 3, []string{"a b c", "d e f", "g h"}},
	}
	for _, tc := range cases {
		got := chunkText(tc.in, tc.wordsPer)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("chunkText(%q, %d) = %v, want %v", tc.in, tc.wordsPer, got, tc.want)
		}
	}
}
