package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/textproto"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Dialer opens an SMTP session. *gomail.Dialer satisfies it.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

// Sender is the SMTP transport.
type Sender struct {
	Host string
	Port int
	From string

	// DialAttempts bounds connection retries before Send gives up with ErrUnreachable.
	DialAttempts int
	RetryInitial time.Duration

	dialer Dialer
	log    *zap.Logger
}

func NewSender(host string, port int, user, password, from string, dialAttempts int, log *zap.Logger) *Sender {
	d := gomail.NewDialer(host, port, user, password)
	d.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}

	return &Sender{
		Host:         host,
		Port:         port,
		From:         from,
		DialAttempts: dialAttempts,
		RetryInitial: 500 * time.Millisecond,
		dialer:       d,
		log:          log,
	}
}

// Send dials the server and submits one message. SMTP replies are classified
// into the Result: 5xx is rejected, 4xx is deferred.
func (s *Sender) Send(ctx context.Context, msg Message) (Result, error) {
	to, err := ValidateAddress(msg.To)
	if err != nil {
		return invalidAddress(msg.To, err), nil
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(s.From, s.Host))

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetAddressHeader("To", to, msg.ToName)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	} else {
		m.SetBody("text/html", msg.HTML)
	}

	sc, err := s.dialWithRetry(ctx)
	if err != nil {
		return Result{ErrorCode: CodeUnreachable, Response: err.Error()}, err
	}
	defer sc.Close()

	if err := sc.Send(s.From, []string{to}, m); err != nil {
		var tpErr *textproto.Error
		if !errors.As(err, &tpErr) {
			return Result{ErrorCode: CodeUnreachable, Response: err.Error()},
				fmt.Errorf("%w: smtp send: %v", ErrUnreachable, err)
		}

		res := Result{
			MessageID: messageID,
			ErrorCode: CodeRejected,
			Response:  fmt.Sprintf("%d %s", tpErr.Code, tpErr.Msg),
		}
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			res.ErrorCode = CodeDeferred
		}
		return res, nil
	}

	return Result{
		Success:   true,
		MessageID: messageID,
		Response:  "250 message accepted",
	}, nil
}

// TestConnection opens and closes one SMTP session.
func (s *Sender) TestConnection(ctx context.Context) error {
	sc, err := s.dialWithRetry(ctx)
	if err != nil {
		return err
	}
	return sc.Close()
}

// dialWithRetry retries the connection with exponential backoff. A 5xx reply
// during the handshake (bad credentials) is not retried.
func (s *Sender) dialWithRetry(ctx context.Context) (gomail.SendCloser, error) {
	var sc gomail.SendCloser

	operation := func() error {
		conn, err := s.dialer.Dial()
		if err != nil {
			var tpErr *textproto.Error
			if errors.As(err, &tpErr) && tpErr.Code >= 500 {
				return backoff.Permanent(err)
			}
			if s.log != nil {
				s.log.Warn("smtp dial failed", zap.String("host", s.Host), zap.Error(err))
			}
			return err
		}
		sc = conn
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.RetryInitial
	b.MaxElapsedTime = 30 * time.Second

	attempts := max(s.DialAttempts, 1)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("%w: smtp %s:%d: %v", ErrUnreachable, s.Host, s.Port, err)
	}
	return sc, nil
}

var _ Transport = (*Sender)(nil)
