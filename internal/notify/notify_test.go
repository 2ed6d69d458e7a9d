package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func TestNotifier_FiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"auction_create_failed", " teardown_failed "}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "rearm_failed", "ignored", "x"))
	require.NoError(t, n.Notify(context.Background(), "teardown_failed", "Teardown failed", "x"))
	assert.Equal(t, []string{"[teardown_failed] Teardown failed"}, s.titles)
}

func TestNotifier_OneFailingSenderDoesNotStopOthers(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), "bid_dropped", "Bid dropped", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.titles, 1)
}

func TestSenders_PostJSON(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL + "/hook")
	require.NoError(t, d.Send(context.Background(), "T", "M"))

	tg := NewTelegramSender("tok", "42")
	tg.baseURL = srv.URL
	require.NoError(t, tg.Send(context.Background(), "T", "M"))

	require.Len(t, bodies, 2)
	assert.Equal(t, "/hook", paths[0])
	embeds := bodies[0]["embeds"].([]any)
	assert.Equal(t, "T", embeds[0].(map[string]any)["title"])
	assert.Equal(t, "/bottok/sendMessage", paths[1])
	assert.Equal(t, "42", bodies[1]["chat_id"])
	assert.Equal(t, "*T*\nM", bodies[1]["text"])
}

func TestSenders_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "T", "M")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 429")
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestKafkaMailer_Dispatch(t *testing.T) {
	w := &fakeWriter{}
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	m := NewKafkaMailer(w, fixedClock{now}, discardLogger())

	job := domain.MailJob{
		Kind:      domain.MailResults,
		AuctionID: "a1",
		To:        []string{"ana@example.com"},
		Subject:   "Auction results: lamp",
	}
	require.NoError(t, m.Dispatch(context.Background(), job))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "a1", string(msg.Key))
	assert.True(t, msg.Time.Equal(now))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, domain.MailResults, string(msg.Headers[0].Value))

	var got domain.MailJob
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, job.To, got.To)
}

func TestKafkaMailer_Errors(t *testing.T) {
	m := NewKafkaMailer(&fakeWriter{}, nil, discardLogger())
	err := m.Dispatch(context.Background(), domain.MailJob{Kind: domain.MailNewAuction, AuctionID: "a1"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	m = NewKafkaMailer(&fakeWriter{err: errors.New("leader not available")}, nil, discardLogger())
	err = m.Dispatch(context.Background(), domain.MailJob{Kind: domain.MailNewAuction, AuctionID: "a1", To: []string{"x@y"}})
	require.ErrorIs(t, err, domain.ErrTransient)
}
