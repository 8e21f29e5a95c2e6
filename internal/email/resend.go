package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/resend/resend-go/v3"
)

// ResendClient is the part of the Resend SDK the transport uses.
type ResendClient interface {
	Send(ctx context.Context, req *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
	Ping(ctx context.Context) error
}

type resendSDK struct {
	client *resend.Client
}

func (c resendSDK) Send(ctx context.Context, req *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	return c.client.Emails.SendWithContext(ctx, req)
}

func (c resendSDK) Ping(ctx context.Context) error {
	_, err := c.client.Domains.ListWithContext(ctx)
	return err
}

// Resend is the HTTP API transport.
type Resend struct {
	From   string
	client ResendClient
}

func NewResend(apiKey, from string) *Resend {
	return &Resend{
		From:   from,
		client: resendSDK{client: resend.NewClient(apiKey)},
	}
}

// Send submits one message. Network failures are errors; anything the API
// answered is a Result.
func (r *Resend) Send(ctx context.Context, msg Message) (Result, error) {
	to, err := ValidateAddress(msg.To)
	if err != nil {
		return invalidAddress(msg.To, err), nil
	}

	if msg.ToName != "" {
		to = fmt.Sprintf("%s <%s>", msg.ToName, to)
	}

	resp, err := r.client.Send(ctx, &resend.SendEmailRequest{
		From:    r.From,
		To:      []string{to},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		if isNetworkError(err) {
			return Result{ErrorCode: CodeUnreachable, Response: err.Error()},
				fmt.Errorf("%w: resend: %v", ErrUnreachable, err)
		}
		return Result{ErrorCode: CodeRejected, Response: err.Error()}, nil
	}

	return Result{
		Success:   true,
		MessageID: resp.Id,
		Response:  "accepted",
	}, nil
}

// TestConnection makes one authenticated read call.
func (r *Resend) TestConnection(ctx context.Context) error {
	if err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: resend: %v", ErrUnreachable, err)
	}
	return nil
}

func isNetworkError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

var _ Transport = (*Resend)(nil)
