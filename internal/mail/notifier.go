package mail

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Notifier renders the account and enrollment emails and hands them to a
// Dispatcher. None of its methods report delivery errors.
type Notifier struct {
	dispatcher  Dispatcher
	frontendURL string
	log         zerolog.Logger
}

func NewNotifier(dispatcher Dispatcher, frontendURL string, log zerolog.Logger) *Notifier {
	return &Notifier{dispatcher: dispatcher, frontendURL: frontendURL, log: log}
}

type linkData struct {
	Nickname string
	Link     string
	Code     string
	TTL      string
}

type permitData struct {
	Nickname      string
	Device        string
	Permit        string
	CertificateID string
}

func (n *Notifier) SendActivation(ctx context.Context, to, nickname, token string, ttl time.Duration) {
	n.send(ctx, KindActivation, to, linkData{
		Nickname: nickname,
		Link:     n.link("/activate", url.Values{"token": {token}}),
		TTL:      ttl.String(),
	})
}

func (n *Notifier) SendPasswordReset(ctx context.Context, to, nickname, token string, ttl time.Duration) {
	n.send(ctx, KindPasswordReset, to, linkData{
		Nickname: nickname,
		Link:     n.link("/reset-password", url.Values{"token": {token}}),
		TTL:      ttl.String(),
	})
}

func (n *Notifier) SendMagicLink(ctx context.Context, to, nickname, token, deviceNonce string, ttl time.Duration) {
	n.send(ctx, KindMagicLink, to, linkData{
		Nickname: nickname,
		Link:     n.link("/enroll", url.Values{"token": {token}, "device": {deviceNonce}}),
		TTL:      ttl.String(),
	})
}

func (n *Notifier) SendOTP(ctx context.Context, to, nickname, code string, ttl time.Duration) {
	n.send(ctx, KindOTP, to, linkData{
		Nickname: nickname,
		Code:     code,
		TTL:      ttl.String(),
	})
}

func (n *Notifier) SendPermit(ctx context.Context, to, nickname, device, certificateID, permitJSON string) {
	n.send(ctx, KindPermit, to, permitData{
		Nickname:      nickname,
		Device:        device,
		Permit:        permitJSON,
		CertificateID: certificateID,
	})
}

func (n *Notifier) send(ctx context.Context, kind, to string, data any) {
	if to == "" {
		n.log.Warn().Str("kind", kind).Msg("no email address, skipping notification")
		return
	}
	msg, err := Render(kind, to, data)
	if err != nil {
		n.log.Error().Err(err).Str("kind", kind).Msg("render mail")
		return
	}
	n.dispatcher.Dispatch(ctx, msg)
}

func (n *Notifier) link(path string, query url.Values) string {
	u, err := url.Parse(n.frontendURL)
	if err != nil || n.frontendURL == "" {
		return path + "?" + query.Encode()
	}
	u = u.JoinPath(path)
	u.RawQuery = query.Encode()
	return u.String()
}
