// Package alert implements threshold evaluation over the usage ledger and
// notification delivery through tenant-configured channels.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wneessen/go-mail"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/telemetry"
)

// Alert is the canonical payload rendered into each channel's shape.
type Alert struct {
	Kind       string    `json:"kind"`
	OrgID      int64     `json:"org_id"`
	OrgName    string    `json:"org_name"`
	Threshold  float64   `json:"threshold"`
	Observed   float64   `json:"observed"`
	Window     string    `json:"window"`
	DetectedAt time.Time `json:"detected_at"`
}

// SMTPConfig configures the email channel transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Sender delivers one alert through one channel.
type Sender interface {
	Send(ctx context.Context, ch *gateway.AlertChannel, a *Alert) error
}

// permanentErr marks failures that retrying cannot fix (bad channel config,
// 4xx responses).
type permanentErr struct{ err error }

func (e *permanentErr) Error() string { return e.err.Error() }
func (e *permanentErr) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentErr{err: err} }

func isPermanent(err error) bool {
	var p *permanentErr
	return errors.As(err, &p)
}

// Dispatcher renders alerts and delivers them with retries. Transient
// failures are retried up to 3 times with exponential backoff; permanent
// failures are surfaced immediately.
type Dispatcher struct {
	http    *http.Client
	smtp    SMTPConfig
	metrics *telemetry.Metrics
	log     *slog.Logger

	// backoff is swapped out in tests.
	backoff func(attempt int) time.Duration
}

// NewDispatcher returns a Dispatcher using the given outbound HTTP client
// for webhooks and SMTP config for email.
func NewDispatcher(httpCli *http.Client, smtp SMTPConfig, metrics *telemetry.Metrics, log *slog.Logger) *Dispatcher {
	if httpCli == nil {
		httpCli = &http.Client{Timeout: 10 * time.Second}
	}
	return &Dispatcher{
		http:    httpCli,
		smtp:    smtp,
		metrics: metrics,
		log:     log,
		backoff: func(attempt int) time.Duration { return time.Duration(1<<attempt) * time.Second },
	}
}

// Send delivers one alert through one channel, retrying transient failures
// up to three times (1s, 2s, 4s) after the initial attempt.
func (d *Dispatcher) Send(ctx context.Context, ch *gateway.AlertChannel, a *Alert) error {
	const maxAttempts = 4

	var lastErr error
	for attempt := range maxAttempts {
		if attempt > 0 {
			select {
			case <-time.After(d.backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = d.deliver(ctx, ch, a)
		if lastErr == nil {
			d.metrics.AlertsSent.WithLabelValues(a.Kind, ch.Kind).Inc()
			return nil
		}
		if isPermanent(lastErr) {
			break
		}
		d.log.LogAttrs(ctx, slog.LevelWarn, "alert delivery failed, retrying",
			slog.String("kind", a.Kind),
			slog.String("channel", ch.Kind),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()),
		)
	}

	d.metrics.AlertsFailed.WithLabelValues(a.Kind, ch.Kind).Inc()
	return fmt.Errorf("dispatch %s via %s: %w", a.Kind, ch.Kind, lastErr)
}

func (d *Dispatcher) deliver(ctx context.Context, ch *gateway.AlertChannel, a *Alert) error {
	switch ch.Kind {
	case gateway.ChannelEmail:
		return d.sendEmail(ctx, ch, a)
	case gateway.ChannelChatWebhook, gateway.ChannelGenericWebhook:
		return d.postWebhook(ctx, ch, a)
	default:
		return permanent(fmt.Errorf("unknown channel kind %q", ch.Kind))
	}
}

func (d *Dispatcher) sendEmail(ctx context.Context, ch *gateway.AlertChannel, a *Alert) error {
	to := ch.Config["to"]
	if to == "" {
		return permanent(errors.New("email channel missing 'to'"))
	}
	if d.smtp.Host == "" {
		return permanent(errors.New("smtp not configured"))
	}

	msg := mail.NewMsg()
	if err := msg.From(d.smtp.From); err != nil {
		return permanent(fmt.Errorf("from address: %w", err))
	}
	if err := msg.To(to); err != nil {
		return permanent(fmt.Errorf("to address: %w", err))
	}
	msg.Subject(emailSubject(a))
	msg.SetBodyString(mail.TypeTextHTML, emailBody(a))

	opts := []mail.Option{mail.WithPort(d.smtp.Port)}
	if d.smtp.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(d.smtp.Username),
			mail.WithPassword(d.smtp.Password),
		)
	}
	client, err := mail.NewClient(d.smtp.Host, opts...)
	if err != nil {
		return permanent(fmt.Errorf("smtp client: %w", err))
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (d *Dispatcher) postWebhook(ctx context.Context, ch *gateway.AlertChannel, a *Alert) error {
	url := ch.Config["url"]
	if url == "" {
		return permanent(errors.New("webhook channel missing 'url'"))
	}

	var body []byte
	var err error
	if ch.Kind == gateway.ChannelChatWebhook {
		// Chat webhooks (Slack-compatible) want a text field.
		body, err = json.Marshal(map[string]string{"text": chatText(a)})
	} else {
		body, err = json.Marshal(a)
	}
	if err != nil {
		return permanent(fmt.Errorf("marshal alert: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	default:
		return permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
	}
}

func emailSubject(a *Alert) string {
	return fmt.Sprintf("[Cognitude] %s alert for %s", a.Kind, a.OrgName)
}

func emailBody(a *Alert) string {
	return fmt.Sprintf(
		`<h2>%s alert</h2>
<p>Organization <strong>%s</strong> crossed its configured threshold.</p>
<table>
<tr><td>Window</td><td>%s</td></tr>
<tr><td>Threshold</td><td>%.4f</td></tr>
<tr><td>Observed</td><td>%.4f</td></tr>
<tr><td>Detected</td><td>%s</td></tr>
</table>`,
		a.Kind, a.OrgName, a.Window, a.Threshold, a.Observed,
		a.DetectedAt.UTC().Format(time.RFC3339))
}

func chatText(a *Alert) string {
	return fmt.Sprintf("%s alert for %s: observed %.4f against threshold %.4f (%s window)",
		a.Kind, a.OrgName, a.Observed, a.Threshold, a.Window)
}
