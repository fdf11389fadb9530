package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

const (
	KindActivation    = "activation"
	KindPasswordReset = "password_reset"
	KindMagicLink     = "magic_link"
	KindOTP           = "otp"
	KindPermit        = "permit"
)

type template struct {
	subject string
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

func mustTemplate(subject, html, text string) template {
	return template{
		subject: subject,
		html:    htmltemplate.Must(htmltemplate.New("html").Parse(html)),
		text:    texttemplate.Must(texttemplate.New("text").Parse(text)),
	}
}

var templates = map[string]template{
	KindActivation: mustTemplate(
		"Activate your account",
		`<p>Hi {{.Nickname}},</p>
<p>Confirm your email address to finish creating your account:</p>
<p><a href="{{.Link}}">Activate account</a></p>
<p>The link expires in {{.TTL}}.</p>`,
		`Hi {{.Nickname}},

Confirm your email address to finish creating your account:
{{.Link}}

The link expires in {{.TTL}}.
`),
	KindPasswordReset: mustTemplate(
		"Reset your password",
		`<p>Hi {{.Nickname}},</p>
<p>Use the link below to choose a new password:</p>
<p><a href="{{.Link}}">Reset password</a></p>
<p>The link expires in {{.TTL}}. If you did not ask for a reset you can ignore this message.</p>`,
		`Hi {{.Nickname}},

Use the link below to choose a new password:
{{.Link}}

The link expires in {{.TTL}}. If you did not ask for a reset you can ignore this message.
`),
	KindMagicLink: mustTemplate(
		"Your sign-in link",
		`<p>Hi {{.Nickname}},</p>
<p><a href="{{.Link}}">Sign in on your device</a></p>
<p>The link works once and expires in {{.TTL}}.</p>`,
		`Hi {{.Nickname}},

Sign in on your device:
{{.Link}}

The link works once and expires in {{.TTL}}.
`),
	KindOTP: mustTemplate(
		"Your sign-in code",
		`<p>Hi {{.Nickname}},</p>
<p>Your sign-in code is <strong>{{.Code}}</strong>.</p>
<p>It works once and expires in {{.TTL}}.</p>`,
		`Hi {{.Nickname}},

Your sign-in code is {{.Code}}.
It works once and expires in {{.TTL}}.
`),
	KindPermit: mustTemplate(
		"Your mesh permit",
		`<p>Hi {{.Nickname}},</p>
<p>Import the permit below into the agent on <strong>{{.Device}}</strong> to join the mesh.</p>
<pre>{{.Permit}}</pre>
<p>Certificate: {{.CertificateID}}</p>`,
		`Hi {{.Nickname}},

Import the permit below into the agent on {{.Device}} to join the mesh.

{{.Permit}}

Certificate: {{.CertificateID}}
`),
}

// Render builds a message of the given kind for recipient to.
func Render(kind string, to string, data any) (Message, error) {
	t, ok := templates[kind]
	if !ok {
		return Message{}, fmt.Errorf("unknown mail kind %q", kind)
	}

	var html, text bytes.Buffer
	if err := t.html.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render %s html: %w", kind, err)
	}
	if err := t.text.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("render %s text: %w", kind, err)
	}

	return Message{
		Kind:    kind,
		To:      to,
		Subject: t.subject,
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}
