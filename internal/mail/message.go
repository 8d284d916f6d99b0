// Package mail builds and sends the load test messages over SMTP.
package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
)

const defaultMessageIDDomain = "smtpload.local"

// Attachment is a file attached to every message of a run.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one email addressed to a single recipient.
type Message struct {
	From       string
	To         string
	Subject    string
	Body       string
	Headers    map[string]string
	Attachment *Attachment
	MessageID  string
}

// Template holds the per-run parts of a message; For stamps out one message
// per recipient.
type Template struct {
	from       string
	subject    string
	body       string
	headers    map[string]string
	attachment *Attachment
}

// NewTemplate builds a template from the message configuration, reading the
// attachment file if one is set.
func NewTemplate(cfg config.MessageConfig) (*Template, error) {
	t := &Template{
		from:    cfg.From,
		subject: cfg.Subject,
		body:    cfg.Body,
		headers: make(map[string]string, len(cfg.Headers)),
	}
	for k, v := range cfg.Headers {
		t.headers[k] = v
	}

	if cfg.Attachment != "" {
		att, err := LoadAttachment(cfg.Attachment)
		if err != nil {
			return nil, err
		}
		t.attachment = att
	}

	return t, nil
}

// LoadAttachment reads a file and sniffs its content type.
func LoadAttachment(path string) (*Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}

	name := filepath.Base(path)
	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}

	return &Attachment{Filename: name, ContentType: ctype, Data: data}, nil
}

// For returns the message for one recipient with a fresh Message-ID.
func (t *Template) For(recipient string) *Message {
	return &Message{
		From:       t.from,
		To:         recipient,
		Subject:    t.subject,
		Body:       t.body,
		Headers:    t.headers,
		Attachment: t.attachment,
		MessageID:  newMessageID(t.from),
	}
}

func newMessageID(from string) string {
	domain := defaultMessageIDDomain
	if i := strings.LastIndexByte(from, '@'); i >= 0 && i < len(from)-1 {
		domain = strings.TrimSuffix(from[i+1:], ">")
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// Bytes renders the message in RFC 5322 wire format with CRLF line endings.
func (m *Message) Bytes(now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", m.From)
	writeHeader(&buf, "To", m.To)
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	writeHeader(&buf, "Date", now.Format(time.RFC1123Z))
	if m.MessageID != "" {
		writeHeader(&buf, "Message-ID", m.MessageID)
	}
	writeHeader(&buf, "MIME-Version", "1.0")

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(&buf, k, m.Headers[k])
	}

	if m.Attachment == nil {
		writeHeader(&buf, "Content-Type", "text/plain; charset=UTF-8")
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQuotedPrintable(&buf, m.Body); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mw.Boundary()}))
	buf.WriteString("\r\n")

	textPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=UTF-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create text part: %w", err)
	}
	if err := writeQuotedPrintable(textPart, m.Body); err != nil {
		return nil, err
	}

	att := m.Attachment
	ctype := att.ContentType
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	attPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {ctype},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename})},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create attachment part: %w", err)
	}
	writeBase64Lines(attPart, att.Data)

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func writeQuotedPrintable(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(body)); err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	return nil
}

// writeBase64Lines writes data as base64 wrapped at 76 characters.
func writeBase64Lines(w io.Writer, data []byte) {
	const lineLen = 76
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > lineLen {
		_, _ = w.Write([]byte(encoded[:lineLen] + "\r\n"))
		encoded = encoded[lineLen:]
	}
	if encoded != "" {
		_, _ = w.Write([]byte(encoded + "\r\n"))
	}
}
