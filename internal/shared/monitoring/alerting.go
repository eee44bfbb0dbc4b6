package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// AlertLevel represents the severity of an alert
type AlertLevel string

const (
	INFO     AlertLevel = "INFO"     // Normal operations
	WARNING  AlertLevel = "WARNING"  // Warning but service continues
	ERROR    AlertLevel = "ERROR"    // Error occurred, may affect some users
	CRITICAL AlertLevel = "CRITICAL" // Critical issue, service degraded
)

// Alerter interface for sending notifications to external services
// Implementations: Slack, logs, etc.
type Alerter interface {
	Alert(level AlertLevel, message string, metadata map[string]any)
}

// MultiAlerter sends alerts to multiple alerters
type MultiAlerter struct {
	alerters []Alerter
}

func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters}
}

func (m *MultiAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	for _, alerter := range m.alerters {
		alerter.Alert(level, message, metadata)
	}
}

// SlackAlerter posts alerts to a Slack incoming webhook. Delivery happens in a
// goroutine so the caller (usually the cleanup loop) never waits on Slack.
type SlackAlerter struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
	logger     zerolog.Logger
}

func NewSlackAlerter(webhookURL, channel, username string, logger zerolog.Logger) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client:     &http.Client{Timeout: 5 * time.Second},
		logger:     logger.With().Str("component", "slack_alerter").Logger(),
	}
}

func (s *SlackAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	if s.webhookURL == "" {
		return // Not configured
	}

	payload, err := json.Marshal(s.buildPayload(level, message, metadata))
	if err != nil {
		return
	}

	go func() {
		defer RecoverPanic(s.logger, "slackAlert", nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Slack alert delivery failed")
			return
		}
		resp.Body.Close()
	}()
}

func (s *SlackAlerter) buildPayload(level AlertLevel, message string, metadata map[string]any) map[string]any {
	fields := make([]map[string]any, 0, len(metadata))
	for k, v := range metadata {
		fields = append(fields, map[string]any{
			"title": k,
			"value": fmt.Sprintf("%v", v),
			"short": true,
		})
	}

	return map[string]any{
		"username": s.username,
		"channel":  s.channel,
		"text":     fmt.Sprintf("%s *%s Alert*", alertEmoji(level), level),
		"attachments": []map[string]any{
			{
				"color":     alertColor(level),
				"title":     message,
				"fields":    fields,
				"timestamp": time.Now().Unix(),
				"footer":    "Realtime Channels",
			},
		},
	}
}

func alertColor(level AlertLevel) string {
	switch level {
	case CRITICAL, ERROR:
		return "danger"
	case WARNING:
		return "warning"
	default:
		return "good"
	}
}

func alertEmoji(level AlertLevel) string {
	switch level {
	case CRITICAL:
		return ":rotating_light:"
	case ERROR:
		return ":x:"
	case WARNING:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

// LogAlerter writes alerts to the structured log. It is the default alerter
// when no webhook is configured.
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With().Str("component", "alerts").Logger()}
}

func (l *LogAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	var event *zerolog.Event
	switch level {
	case CRITICAL, ERROR:
		event = l.logger.Error()
	case WARNING:
		event = l.logger.Warn()
	default:
		event = l.logger.Info()
	}
	event.Str("alert_level", string(level)).Fields(metadata).Msg(message)
}
