package notifications

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/oscredits/credits-plane/internal/config"
	"github.com/oscredits/credits-plane/pkg/events"
	"github.com/oscredits/credits-plane/pkg/metrics"
)

var halfDepletedSubject = template.Must(template.New("subject").Parse(
	"50% Credits left for Project {{.Project}}"))

var halfDepletedBody = template.Must(template.New("body").Parse(strings.TrimSpace(`
Dear Project Maintainer,

Your OpenStack Project {{.Project}} in the de.NBI Cloud has less than 50%
({{.CreditsUsed}}/{{.CreditsGranted}}) of its credits left. To view a history of your credits
please login at the Cloud Portal under https://cloud.denbi.de/portal.

Have a nice day,
Your de.NBI Cloud Governance
`)))

// Service listens for billing events and mails the affected project
// maintainers, with the cloud governance in Cc.
type Service struct {
	cfg    config.MailConfig
	sender Sender
	logger *zap.Logger
}

// NewService creates the notification service.
func NewService(cfg config.MailConfig, sender Sender, logger *zap.Logger) *Service {
	return &Service{cfg: cfg, sender: sender, logger: logger}
}

// Register subscribes the service to the event bus.
func (s *Service) Register(bus *events.Bus) {
	bus.Subscribe(events.EventCreditsHalfDepleted, s.handleHalfDepleted)
}

func (s *Service) handleHalfDepleted(ctx context.Context, event events.Event) error {
	msg, err := s.halfDepletedMessage(event)
	if err != nil {
		metrics.NotificationsSent.WithLabelValues("failed").Inc()
		return fmt.Errorf("building half-depleted notification for %q: %w", event.Project, err)
	}

	if err := s.sender.Send(ctx, msg); err != nil {
		metrics.NotificationsSent.WithLabelValues("failed").Inc()
		return fmt.Errorf("sending half-depleted notification for %q: %w", event.Project, err)
	}

	metrics.NotificationsSent.WithLabelValues("sent").Inc()
	return nil
}

func (s *Service) halfDepletedMessage(event events.Event) (Message, error) {
	data := struct {
		Project        string
		CreditsUsed    string
		CreditsGranted string
	}{
		Project:        event.Project,
		CreditsUsed:    payloadString(event, "credits_used"),
		CreditsGranted: payloadString(event, "credits_granted"),
	}

	var subject, body strings.Builder
	if err := halfDepletedSubject.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("rendering subject: %w", err)
	}
	if err := halfDepletedBody.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("rendering body: %w", err)
	}

	msg := Message{
		From:    s.cfg.From,
		Subject: subject.String(),
		Body:    body.String(),
	}

	// A configured overwrite diverts the whole message, used to keep
	// staging runs from mailing real maintainers.
	if overwrite := strings.TrimSpace(s.cfg.ToOverwrite); overwrite != "" {
		s.logger.Info("notification recipients overwritten",
			zap.String("project", event.Project),
			zap.String("to", overwrite),
		)
		msg.To = strings.Split(overwrite, ",")
		return msg, nil
	}

	msg.To = payloadStrings(event, "emails")
	if s.cfg.GovernanceAddress != "" {
		msg.Cc = []string{s.cfg.GovernanceAddress}
	}
	if len(msg.To) == 0 {
		return Message{}, fmt.Errorf("project %q has no maintainer addresses", event.Project)
	}
	return msg, nil
}

func payloadString(event events.Event, key string) string {
	if v, ok := event.Payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadStrings(event events.Event, key string) []string {
	switch v := event.Payload[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
