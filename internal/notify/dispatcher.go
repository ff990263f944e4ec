// Package notify turns committed domain events into email and SMS
// deliveries. Delivery is best effort: the lifecycle never waits on or
// rolls back for a failed notification.
package notify

import (
	"context"
	"fmt"
	"strings"

	"franchise-onboarding/internal/common/logger"
	"franchise-onboarding/internal/common/metrics"
	"franchise-onboarding/internal/models"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SESAPI is the slice of SES the dispatcher uses.
type SESAPI interface {
	SendEmail(ctx context.Context, input *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SNSAPI is the slice of SNS the dispatcher uses.
type SNSAPI interface {
	Publish(ctx context.Context, input *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config controls which channels fire. SMS is reserved for events at or
// above the priority threshold.
type Config struct {
	EmailEnabled      bool
	FromEmail         string
	SMSEnabled        bool
	PriorityThreshold string
}

type messageTemplate struct {
	subject string
	body    string
	sms     string
}

var templates = map[models.EventType]messageTemplate{
	models.EventApplicationReceived: {
		subject: "We received your franchise application",
		body:    "Thank you for applying. Our team will review your application and get back to you shortly.",
	},
	models.EventApplicationRejected: {
		subject: "Update on your franchise application",
		body:    "After careful review we are unable to proceed with your application at this time.",
	},
	models.EventContractGenerated: {
		subject: "Your franchise agreement {{contractNumber}} is ready",
		body:    "Your franchise agreement is ready for review.\n\nView: {{viewUrl}}\nAccept: {{acceptUrl}}\n\nThis link expires on {{expiresAt}}.",
		sms:     "Your franchise agreement is ready. Check your email for the signing link.",
	},
	models.EventContractSigned: {
		subject: "Agreement signed, one step left",
		body:    "Thanks for signing. Complete your entry fee payment to activate your account:\n\n{{paymentUrl}}",
		sms:     "Agreement signed. Complete your entry fee payment via the link in your email.",
	},
	models.EventContractExpired: {
		subject: "Your franchise agreement has expired",
		body:    "The signing window for your agreement has passed. Contact your account manager to have a new agreement issued.",
	},
	models.EventEntryFeePaid: {
		subject: "Entry fee payment received",
		body:    "We received your entry fee payment. Your account activation is in progress.",
	},
	models.EventAccountActivated: {
		subject: "Welcome aboard, your account is active",
		body:    "Your franchise account is now active. You can sign in to the operator portal.",
		sms:     "Your franchise account is now active. Welcome aboard!",
	},
}

var priorityRank = map[string]int{"low": 0, "normal": 1, "high": 2}

// Dispatcher fans one event out to the enabled channels.
type Dispatcher struct {
	ses    SESAPI
	sns    SNSAPI
	cfg    Config
	logger logger.Logger
}

func NewDispatcher(sesClient SESAPI, snsClient SNSAPI, cfg Config, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		ses:    sesClient,
		sns:    snsClient,
		cfg:    cfg,
		logger: log.WithFields(map[string]interface{}{"component": "notify"}),
	}
}

// Dispatch sends the event on every applicable channel and returns a joined
// error when any channel failed. Partial delivery is acceptable.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.DomainEvent) error {
	tpl, ok := templates[event.Type]
	if !ok {
		d.logger.Debug("no template for event", map[string]interface{}{
			"eventType": string(event.Type),
		})
		return nil
	}

	var failures []string

	if d.cfg.EmailEnabled && d.ses != nil && event.RecipientEmail != "" {
		if err := d.sendEmail(ctx, event, tpl); err != nil {
			metrics.NotificationFailures.WithLabelValues("email").Inc()
			d.logger.Warn("email delivery failed", map[string]interface{}{
				"eventType": string(event.Type),
				"error":     err.Error(),
			})
			failures = append(failures, "email: "+err.Error())
		}
	}

	if d.smsApplicable(event, tpl) {
		if err := d.sendSMS(ctx, event, tpl); err != nil {
			metrics.NotificationFailures.WithLabelValues("sms").Inc()
			d.logger.Warn("sms delivery failed", map[string]interface{}{
				"eventType": string(event.Type),
				"error":     err.Error(),
			})
			failures = append(failures, "sms: "+err.Error())
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("dispatch %s: %s", event.Type, strings.Join(failures, "; "))
	}
	return nil
}

func (d *Dispatcher) smsApplicable(event models.DomainEvent, tpl messageTemplate) bool {
	if !d.cfg.SMSEnabled || d.sns == nil || event.RecipientPhone == "" || tpl.sms == "" {
		return false
	}
	return priorityRank[event.Priority] >= priorityRank[d.cfg.PriorityThreshold]
}

func (d *Dispatcher) sendEmail(ctx context.Context, event models.DomainEvent, tpl messageTemplate) error {
	input := &ses.SendEmailInput{
		Source: awssdk.String(d.cfg.FromEmail),
		Destination: &sestypes.Destination{
			ToAddresses: []string{event.RecipientEmail},
		},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{
				Data: awssdk.String(render(tpl.subject, event)),
			},
			Body: &sestypes.Body{
				Text: &sestypes.Content{
					Data: awssdk.String(render(tpl.body, event)),
				},
			},
		},
	}
	_, err := d.ses.SendEmail(ctx, input)
	return err
}

func (d *Dispatcher) sendSMS(ctx context.Context, event models.DomainEvent, tpl messageTemplate) error {
	input := &sns.PublishInput{
		PhoneNumber: awssdk.String(event.RecipientPhone),
		Message:     awssdk.String(render(tpl.sms, event)),
	}
	_, err := d.sns.Publish(ctx, input)
	return err
}

// render substitutes {{key}} placeholders from the event metadata.
func render(text string, event models.DomainEvent) string {
	for key, value := range event.Metadata {
		text = strings.ReplaceAll(text, "{{"+key+"}}", fmt.Sprintf("%v", value))
	}
	return text
}
