package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
)

// Sender establishes SMTP sessions for a load test.
//
// Both methods are synchronous and safe for concurrent use; every call opens
// its own connection.
type Sender interface {
	// Verify connects, negotiates TLS and authenticates without sending.
	Verify(ctx context.Context, srv Server) error

	// Send delivers one message. Failures are returned as *SendError.
	Send(ctx context.Context, srv Server, msg *Message) (*Receipt, error)
}

// Server holds the connection parameters for one SMTP server.
type Server struct {
	Host               string
	Port               int
	TLS                bool
	DisableStartTLS    bool
	InsecureSkipVerify bool
	Timeout            time.Duration
	Username           string
	Password           string
}

// ServerFromConfig extracts connection parameters from a run configuration.
func ServerFromConfig(cfg *config.RunConfig) Server {
	srv := Server{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		TLS:                cfg.Server.TLS,
		DisableStartTLS:    cfg.Server.DisableStartTLS,
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
		Timeout:            cfg.Server.Timeout.GetDuration(config.DefaultTimeout),
	}
	if cfg.Auth != nil {
		srv.Username = cfg.Auth.Username
		srv.Password = cfg.Auth.Password
	}
	return srv
}

// Address returns host:port.
func (s Server) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Receipt describes an accepted message.
type Receipt struct {
	// Response is the server's final reply, e.g. "250 2.0.0 Ok: queued as 4F1A"
	Response string
	Elapsed  time.Duration
}

// SendError is a failed send.
type SendError struct {
	Message string
	Elapsed time.Duration

	// Connected is true when the failure happened after the TCP connection
	// was established, so Elapsed is a real response time.
	Connected bool

	Err error
}

func (e *SendError) Error() string {
	return e.Message
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// SMTPSender implements Sender on net/smtp.
type SMTPSender struct {
	// LocalName is sent in EHLO (default "localhost")
	LocalName string

	logger *zap.Logger
}

// NewSMTPSender creates a sender. A nil logger disables logging.
func NewSMTPSender(logger *zap.Logger) *SMTPSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPSender{LocalName: "localhost", logger: logger}
}

// Verify implements Sender.
func (s *SMTPSender) Verify(ctx context.Context, srv Server) error {
	sess, err := s.open(ctx, srv)
	if err != nil {
		return err
	}
	defer sess.close()

	if err := sess.client.Quit(); err != nil {
		return fmt.Errorf("QUIT: %w", err)
	}
	return nil
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, srv Server, msg *Message) (*Receipt, error) {
	start := time.Now()

	fail := func(connected bool, err error) (*Receipt, error) {
		return nil, &SendError{
			Message:   err.Error(),
			Elapsed:   time.Since(start),
			Connected: connected,
			Err:       err,
		}
	}

	raw, err := msg.Bytes(start)
	if err != nil {
		return fail(false, err)
	}

	sess, err := s.open(ctx, srv)
	if err != nil {
		var derr *dialError
		return fail(!errors.As(err, &derr), err)
	}
	defer sess.close()

	c := sess.client
	if err := c.Mail(msg.From); err != nil {
		return fail(true, fmt.Errorf("MAIL FROM: %w", err))
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fail(true, fmt.Errorf("RCPT TO: %w", err))
	}

	response, err := sendData(c, raw)
	if err != nil {
		return fail(true, err)
	}
	elapsed := time.Since(start)

	if err := c.Quit(); err != nil {
		s.logger.Debug("QUIT failed after delivery", zap.String("server", srv.Address()), zap.Error(err))
	}

	return &Receipt{Response: response, Elapsed: elapsed}, nil
}

// sendData runs the DATA exchange by hand so the final reply text is kept.
func sendData(c *smtp.Client, raw []byte) (string, error) {
	id, err := c.Text.Cmd("DATA")
	if err != nil {
		return "", fmt.Errorf("DATA: %w", err)
	}
	c.Text.StartResponse(id)
	_, _, err = c.Text.ReadResponse(354)
	c.Text.EndResponse(id)
	if err != nil {
		return "", fmt.Errorf("DATA: %w", err)
	}

	w := c.Text.DotWriter()
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return "", fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("DATA close: %w", err)
	}

	code, text, err := c.Text.ReadResponse(250)
	if err != nil {
		return "", fmt.Errorf("DATA: %w", err)
	}
	return fmt.Sprintf("%d %s", code, text), nil
}

// dialError marks failures that happened before a connection existed.
type dialError struct {
	err error
}

func (e *dialError) Error() string { return e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

type session struct {
	conn   net.Conn
	client *smtp.Client
	stop   func() bool
}

func (s *session) close() {
	s.stop()
	s.client.Close()
}

// open dials, greets, upgrades to TLS and authenticates.
func (s *SMTPSender) open(ctx context.Context, srv Server) (*session, error) {
	timeout := srv.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}

	tlsCfg := &tls.Config{
		ServerName:         srv.Host,
		InsecureSkipVerify: srv.InsecureSkipVerify,
	}

	dialer := &net.Dialer{Timeout: timeout}
	addr := srv.Address()

	var conn net.Conn
	var err error
	if srv.TLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &dialError{err: fmt.Errorf("SMTP connect to %s: %w", addr, err)}
	}

	// One deadline bounds the whole session; ctx cancellation aborts it early
	_ = conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	c, err := smtp.NewClient(conn, srv.Host)
	if err != nil {
		stop()
		conn.Close()
		return nil, fmt.Errorf("SMTP greeting: %w", err)
	}
	sess := &session{conn: conn, client: c, stop: stop}

	if err := c.Hello(s.LocalName); err != nil {
		sess.close()
		return nil, fmt.Errorf("EHLO: %w", err)
	}

	if !srv.TLS && !srv.DisableStartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsCfg); err != nil {
				sess.close()
				return nil, fmt.Errorf("STARTTLS: %w", err)
			}
		}
	}

	if srv.Username != "" {
		if err := c.Auth(s.auth(c, srv)); err != nil {
			sess.close()
			return nil, fmt.Errorf("AUTH: %w", err)
		}
	}

	return sess, nil
}

// auth picks PLAIN auth. net/smtp's PlainAuth refuses to run without TLS,
// so unencrypted sessions use plainAuth instead.
func (s *SMTPSender) auth(c *smtp.Client, srv Server) smtp.Auth {
	if _, ok := c.TLSConnectionState(); ok {
		return smtp.PlainAuth("", srv.Username, srv.Password, srv.Host)
	}
	s.logger.Debug("authenticating without TLS", zap.String("server", srv.Address()))
	return &plainAuth{user: srv.Username, pass: srv.Password}
}

// plainAuth implements smtp.Auth without the TLS requirement that
// smtp.PlainAuth enforces.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	resp := []byte("\x00" + a.user + "\x00" + a.pass)
	return "PLAIN", resp, nil
}

func (a *plainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return nil, errors.New("unexpected server challenge")
	}
	return nil, nil
}
