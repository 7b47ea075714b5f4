package backend

import (
	"context"
	"errors"
	"net/http"

	"github.com/relabs-tech/tinyapi/core"
	"github.com/relabs-tech/tinyapi/core/access"
	"github.com/relabs-tech/tinyapi/core/logger"
)

// Mail is one outgoing email.
type Mail struct {
	Sender      string
	ReplyTo     string
	ReplyToName string
	Recipients  []string
	CC          []string
	Subject     string
	Body        string
	AltBody     string
}

// Mailer delivers outgoing mail. The backend never talks SMTP itself.
type Mailer interface {
	Send(ctx context.Context, mail *Mail) error
}

// emailResource is the scope name the email route is authorized
// against. Email is an action-only resource: it has no backing table
// and accepts POST exclusively.
const emailResource = "Email"

func (b *Backend) emailHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rlog := logger.FromContext(ctx)
	rlog.Debugln("called route for", r.URL, r.Method)

	response := newResponse()
	defer func() { response.send(w) }()

	if r.Method != http.MethodPost {
		response.setStatus(http.StatusMethodNotAllowed)
		response.ok(false)
		response.addData("error", "Email only accepts POST requests!")
		return
	}

	// email bodies carry raw HTML, so this route skips sanitization
	req, err := parseRequest(r, false)
	if err != nil {
		response.setStatus(http.StatusBadRequest)
		response.error("The request body could not be parsed as JSON.")
		return
	}

	if _, ok := access.ServiceFromContext(ctx); !ok {
		err := access.Authorize(ctx, b.store, b.store.Clock, req.Token(), emailResource, core.ActionPost, nil, req.Data())
		if err != nil {
			var denial *access.Error
			if errors.As(err, &denial) {
				response.authorizationError(denial, req.Token())
			} else {
				rlog.WithError(err).Errorln("authorization failed")
				response.setStatus(http.StatusInternalServerError)
				response.error("Something went wrong during the permission check.")
			}
			return
		}
	}

	for _, required := range []string{"sender", "recipient", "subject", "body", "alt_body"} {
		if !req.Has(required) {
			response.setStatus(http.StatusBadRequest)
			response.error("Something was missing! Requires sender, recipient, subject, body, and alt_body.")
			return
		}
	}

	if b.mailer == nil {
		response.setStatus(http.StatusInternalServerError)
		response.error("Something went wrong when attempting to send email!")
		response.addData("error_message", "no mailer configured")
		return
	}

	mail := &Mail{
		Sender:      req.String("sender"),
		ReplyTo:     b.config.EmailReplyTo,
		ReplyToName: b.config.EmailReplyToName,
		Recipients:  []string{req.String("recipient")},
		Subject:     req.String("subject"),
		Body:        req.String("body"),
		AltBody:     req.String("alt_body"),
	}
	if req.Has("recipient_2") {
		mail.Recipients = append(mail.Recipients, req.String("recipient_2"))
	}
	if req.Has("cc") {
		mail.CC = append(mail.CC, req.String("cc"))
	}

	if err := b.mailer.Send(ctx, mail); err != nil {
		rlog.WithError(err).Errorln("cannot send email")
		response.setStatus(http.StatusInternalServerError)
		response.error("Something went wrong when attempting to send email!")
		response.addData("error_message", err.Error())
		return
	}
	response.ok(true)
}
