package mail

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshid/api/internal/config"
)

func testMailer(t *testing.T, send sendFunc) *SMTPMailer {
	t.Helper()
	m := NewSMTPMailer(
		config.SMTPConfig{Host: "smtp.test", Port: 587, From: "no-reply@test"},
		config.MailConfig{MaxRetries: 3, RetryDelay: time.Millisecond},
		zerolog.Nop(),
	)
	m.send = send
	return m
}

func TestSMTPMailerRetriesTransientFailures(t *testing.T) {
	calls := 0
	var body []byte
	m := testMailer(t, func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		calls++
		if calls < 3 {
			return errors.New("421 try again later")
		}
		assert.Equal(t, "smtp.test:587", addr)
		assert.Equal(t, []string{"a@x.com"}, to)
		body = msg
		return nil
	})

	err := m.Send(context.Background(), Message{Kind: KindOTP, To: "a@x.com", Subject: "hi", Text: "plain", HTML: "<p>rich</p>"})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	s := string(body)
	assert.Contains(t, s, "Subject: hi\r\n")
	assert.Contains(t, s, "multipart/alternative")
	assert.Contains(t, s, "plain")
	assert.Contains(t, s, "<p>rich</p>")
}

func TestSMTPMailerGivesUp(t *testing.T) {
	calls := 0
	m := testMailer(t, func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		return errors.New("connection refused")
	})

	err := m.Send(context.Background(), Message{Kind: KindActivation, To: "a@x.com"})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestSMTPMailerRequiresRecipient(t *testing.T) {
	m := testMailer(t, func(string, smtp.Auth, string, []string, []byte) error { return nil })
	assert.ErrorIs(t, m.Send(context.Background(), Message{}), ErrNoRecipient)
}

func TestRender(t *testing.T) {
	msg, err := Render(KindActivation, "a@x.com", linkData{Nickname: "<n>", Link: "http://app/activate?token=t", TTL: "3m0s"})
	require.NoError(t, err)
	assert.Equal(t, "Activate your account", msg.Subject)
	assert.Contains(t, msg.HTML, "&lt;n&gt;")
	assert.Contains(t, msg.Text, "<n>")
	assert.Contains(t, msg.Text, "http://app/activate?token=t")

	_, err = Render("nope", "a@x.com", nil)
	assert.Error(t, err)
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []Message
	fail bool
}

func (r *recordingMailer) Send(ctx context.Context, msg Message) error {
	if msg.Kind == "panic" {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	if r.fail {
		return errors.New("smtp down")
	}
	return nil
}

func TestAsyncDispatcherDeliversAndSwallowsFailures(t *testing.T) {
	mailer := &recordingMailer{fail: true}
	d := NewAsyncDispatcher(mailer, 2, 8, zerolog.Nop())
	d.Start(context.Background())

	d.Dispatch(context.Background(), Message{Kind: "panic", To: "p@x.com"})
	d.Dispatch(context.Background(), Message{Kind: KindOTP, To: "a@x.com"})
	d.Dispatch(context.Background(), Message{Kind: KindOTP, To: "b@x.com"})
	d.Close()

	assert.Len(t, mailer.sent, 2)

	// After close, dispatch is a logged drop rather than a panic.
	assert.NotPanics(t, func() { d.Dispatch(context.Background(), Message{To: "c@x.com"}) })
}

func TestAsyncDispatcherDropsWhenFull(t *testing.T) {
	mailer := &recordingMailer{}
	d := NewAsyncDispatcher(mailer, 1, 1, zerolog.Nop())

	// Not started: the first message fills the queue, the second is dropped.
	d.Dispatch(context.Background(), Message{To: "a@x.com"})
	d.Dispatch(context.Background(), Message{To: "b@x.com"})

	d.Start(context.Background())
	d.Close()

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "a@x.com", mailer.sent[0].To)
}

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	cmd := redis.NewStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal("1-0")
	}
	return cmd
}

func TestOutboxPublisherRoundTrip(t *testing.T) {
	stream := &fakeStream{}
	p := NewOutboxPublisher(stream, "mail:outbox", zerolog.Nop())

	msg := Message{Kind: KindPermit, To: "a@x.com", Subject: "s", HTML: "h", Text: "t"}
	p.Dispatch(context.Background(), msg)

	require.Len(t, stream.args, 1)
	assert.Equal(t, "mail:outbox", stream.args[0].Stream)

	decoded, err := DecodeStreamValues(stream.args[0].Values.(map[string]any))
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	stream.err = errors.New("redis down")
	assert.NotPanics(t, func() { p.Dispatch(context.Background(), msg) })
}

func TestDecodeStreamValuesRejectsMissingRecipient(t *testing.T) {
	_, err := DecodeStreamValues(map[string]any{"kind": "otp"})
	assert.ErrorIs(t, err, ErrMalformedOutboxEntry)
}

type captureDispatcher struct {
	msgs []Message
}

func (c *captureDispatcher) Dispatch(ctx context.Context, msg Message) {
	c.msgs = append(c.msgs, msg)
}

func TestNotifierBuildsLinks(t *testing.T) {
	d := &captureDispatcher{}
	n := NewNotifier(d, "https://app.example.com/", zerolog.Nop())

	n.SendActivation(context.Background(), "a@x.com", "n", "tok", 3*time.Minute)
	n.SendMagicLink(context.Background(), "a@x.com", "n", "ml", "d1", 5*time.Minute)
	n.SendOTP(context.Background(), "a@x.com", "n", "123456", 5*time.Minute)
	n.SendPermit(context.Background(), "", "n", "laptop", "c1", "{}")

	require.Len(t, d.msgs, 3)
	assert.Contains(t, d.msgs[0].Text, "https://app.example.com/activate?token=tok")
	assert.Contains(t, d.msgs[1].Text, "https://app.example.com/enroll?device=d1&token=ml")
	assert.True(t, strings.Contains(d.msgs[2].Text, "123456"))
}
