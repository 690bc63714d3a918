package mail

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artcenter/internal/queue"
)

type recorder struct {
	mu       sync.Mutex
	sent     []Message
	attempts int
	fail     string
}

func (r *recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if msg.To == r.fail {
		return errors.New("mailbox unavailable")
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recorder) tries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOutboxToDeliver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := queue.NewInMemory(8)
	out := NewOutbox(q)

	require.NoError(t, out.SendOTP(ctx, "teacher@artcenter.vn", "042517", 10*time.Minute))
	require.NoError(t, out.Enqueue(ctx, Message{To: "bounce@artcenter.vn", Subject: "x"}))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: "other"}))

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	rec := &recorder{fail: "bounce@artcenter.vn"}
	done := make(chan int)
	go func() { done <- Deliver(ctx, msgs, rec, quiet()) }()

	require.Eventually(t, func() bool { return rec.tries() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.Equal(t, 1, <-done)

	require.Len(t, rec.sent, 1)
	assert.Equal(t, "teacher@artcenter.vn", rec.sent[0].To)
	assert.Contains(t, rec.sent[0].Text, "042517")
	assert.Contains(t, rec.sent[0].Text, "10 minutes")
}

func TestSendgridSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSendgridSender("sg-key", srv.URL, "Art Center", "noreply@artcenter.vn")
	err := s.Send(context.Background(), Message{To: "a@b.vn", Subject: "Hello", Text: "body"})
	require.NoError(t, err)

	from := got["from"].(map[string]any)
	assert.Equal(t, "noreply@artcenter.vn", from["email"])
	p := got["personalizations"].([]any)[0].(map[string]any)
	assert.Equal(t, "[Art Center] Hello", p["subject"])
}

func TestSendgridSenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"message":"bad key"}]}`))
	}))
	defer srv.Close()

	s := NewSendgridSender("wrong", srv.URL, "Art Center", "noreply@artcenter.vn")
	err := s.Send(context.Background(), Message{To: "a@b.vn", Subject: "Hello", Text: "body"})
	assert.ErrorContains(t, err, "status 401")
}

func TestNewSender(t *testing.T) {
	assert.IsType(t, &SendgridSender{}, NewSender("sendgrid", "k", "Art Center", "a@b.vn", nil))
	assert.IsType(t, &ConsoleSender{}, NewSender("console", "", "Art Center", "a@b.vn", nil))
}
