package notification

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"
)

// AlertData feeds the alert mail templates.
type AlertData struct {
	SystemName      string
	AlertID         string
	Timestamp       time.Time
	CoveragePercent float64
	HasImage        bool
}

func (d AlertData) Time() string {
	return d.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC")
}

// EmailTemplate pairs a subject with text and HTML bodies.
type EmailTemplate struct {
	Subject  string
	TextBody string
	HTMLBody string
}

func MotionAlertTemplate() *EmailTemplate {
	return &EmailTemplate{
		Subject:  "{{.SystemName}} alert: motion detected",
		TextBody: motionAlertText,
		HTMLBody: motionAlertHTML,
	}
}

func StartedTemplate() *EmailTemplate {
	return &EmailTemplate{
		Subject:  "{{.SystemName}}: monitoring started",
		TextBody: "{{.SystemName}} started watching for motion at {{.Time}}.\n",
		HTMLBody: `<p><strong>{{.SystemName}}</strong> started watching for motion at {{.Time}}.</p>`,
	}
}

// Render executes all three parts of tmpl.
func (tmpl *EmailTemplate) Render(data AlertData) (subject, text, html string, err error) {
	if subject, err = renderText("subject", tmpl.Subject, data); err != nil {
		return "", "", "", err
	}
	if text, err = renderText("text", tmpl.TextBody, data); err != nil {
		return "", "", "", err
	}

	h, err := htmltemplate.New("html").Parse(tmpl.HTMLBody)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to parse HTML template: %w", err)
	}
	var buf bytes.Buffer
	if err := h.Execute(&buf, data); err != nil {
		return "", "", "", fmt.Errorf("failed to execute HTML template: %w", err)
	}
	return subject, text, buf.String(), nil
}

func renderText(name, body string, data AlertData) (string, error) {
	t, err := texttemplate.New(name).Parse(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return buf.String(), nil
}

const motionAlertText = `Motion detected at {{.Time}}.

Coverage: {{printf "%.1f" .CoveragePercent}}% of the frame.
Alert ID: {{.AlertID}}
{{if .HasImage}}
A still from the recording is attached.
{{end}}
Footage is being encrypted and shipped off the device.
`

const motionAlertHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Motion detected</title></head>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, Arial, sans-serif;">
  <div style="max-width: 600px; margin: 0 auto;">
    <h2 style="background: #b02a37; color: #fff; padding: 16px;">{{.SystemName}}: motion detected</h2>
    <p>Motion was detected at <strong>{{.Time}}</strong>.</p>
    <p>Coverage: {{printf "%.1f" .CoveragePercent}}% of the frame.</p>
    {{if .HasImage}}<p>A still from the recording is attached.</p>{{end}}
    <p style="color: #666; font-size: 12px;">Alert ID {{.AlertID}}</p>
  </div>
</body>
</html>
`
