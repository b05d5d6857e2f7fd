package notification

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"sort"
	"time"
)

// Attachment is a file carried by an alert mail.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is an alert mail with a plain text and an HTML body.
type Message struct {
	From        string
	FromName    string
	To          string
	Subject     string
	TextBody    string
	HTMLBody    string
	AlertID     string
	SystemName  string
	Date        time.Time
	Attachments []Attachment
}

// BuildMIMEMessage renders msg as multipart/mixed wrapping a
// multipart/alternative body, followed by any attachments.
func BuildMIMEMessage(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	mixed := multipart.NewWriter(&buf)

	writeEmailHeaders(&buf, msg, mixed.Boundary())

	altHeader := textproto.MIMEHeader{}
	var alt bytes.Buffer
	altWriter := multipart.NewWriter(&alt)
	altHeader.Set("Content-Type", "multipart/alternative; boundary="+altWriter.Boundary())

	if err := writeQuotedPart(altWriter, "text/plain; charset=utf-8", msg.TextBody); err != nil {
		return nil, fmt.Errorf("failed to write text part: %w", err)
	}
	if msg.HTMLBody != "" {
		if err := writeQuotedPart(altWriter, "text/html; charset=utf-8", msg.HTMLBody); err != nil {
			return nil, fmt.Errorf("failed to write HTML part: %w", err)
		}
	}
	if err := altWriter.Close(); err != nil {
		return nil, err
	}

	part, err := mixed.CreatePart(altHeader)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(alt.Bytes()); err != nil {
		return nil, err
	}

	for _, a := range msg.Attachments {
		if err := writeAttachmentPart(mixed, a); err != nil {
			return nil, fmt.Errorf("failed to write attachment %s: %w", a.Name, err)
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeEmailHeaders(buf *bytes.Buffer, msg *Message, boundary string) {
	headers := make(textproto.MIMEHeader)

	from := msg.From
	if msg.FromName != "" {
		from = (&mail.Address{Name: msg.FromName, Address: msg.From}).String()
	}
	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}

	headers.Set("From", from)
	headers.Set("To", msg.To)
	headers.Set("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	headers.Set("Date", date.Format(time.RFC1123Z))
	headers.Set("MIME-Version", "1.0")
	headers.Set("Content-Type", "multipart/mixed; boundary="+boundary)
	headers.Set("Auto-Submitted", "auto-generated")
	headers.Set("X-Auto-Response-Suppress", "All")
	headers.Set("X-Priority", "2")
	if msg.AlertID != "" {
		headers.Set("X-Alert-ID", msg.AlertID)
		headers.Set("Message-ID", fmt.Sprintf("<%s@sentinel.local>", msg.AlertID))
	}
	if msg.SystemName != "" {
		headers.Set("X-Sentinel-System", msg.SystemName)
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range headers[k] {
			fmt.Fprintf(buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
}

func writeQuotedPart(w *multipart.Writer, contentType, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

func writeAttachmentPart(w *multipart.Writer, a Attachment) error {
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(ct, map[string]string{"name": a.Name}))
	h.Set("Content-Transfer-Encoding", "base64")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}))
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}

	enc := base64.StdEncoding.EncodeToString(a.Data)
	for len(enc) > 76 {
		if _, err := fmt.Fprintf(part, "%s\r\n", enc[:76]); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err = fmt.Fprintf(part, "%s\r\n", enc)
	return err
}
