// Package notification implements the pipeline from a fired rule to a
// delivered message: the dedup/rate enqueue gate, the durable task queue,
// the retrying worker, and the delivery channels.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/llmtrigger/llmtrigger/internal/config"
	"github.com/llmtrigger/llmtrigger/internal/model"
)

// ErrPermanent marks a delivery failure that retrying cannot fix (bad
// credentials, invalid recipient, 4xx). Such tasks go straight to the
// dead-letter list.
var ErrPermanent = errors.New("permanent delivery failure")

func permanentf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrPermanent)
}

// Channel delivers a task to one target type.
type Channel interface {
	Type() model.TargetType
	Send(ctx context.Context, target model.Target, task *model.NotificationTask) error
}

// TelegramChannel sends messages through the Telegram Bot API.
type TelegramChannel struct {
	token  string
	client *resty.Client
	logger *slog.Logger
}

// NewTelegramChannel creates a Telegram channel. With an empty token every
// send fails permanently.
func NewTelegramChannel(cfg config.TelegramConfig, logger *slog.Logger) *TelegramChannel {
	return &TelegramChannel{
		token:  cfg.BotToken,
		client: resty.New().SetTimeout(cfg.Timeout),
		logger: logger,
	}
}

func (c *TelegramChannel) Type() model.TargetType { return model.TargetTelegram }

// Send posts the message to the target chat.
func (c *TelegramChannel) Send(ctx context.Context, target model.Target, task *model.NotificationTask) error {
	if c.token == "" {
		return permanentf("telegram bot token not configured")
	}
	if target.ChatID == "" {
		return permanentf("telegram target missing chat_id")
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    target.ChatID,
			"text":       task.Message,
			"parse_mode": "Markdown",
		}).
		Post(fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.token))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}

	switch {
	case resp.IsSuccess():
		c.logger.Debug("Telegram message sent", "chat_id", target.ChatID, "task_id", task.TaskID)
		return nil
	case resp.StatusCode() == 429 || resp.StatusCode() >= 500:
		return fmt.Errorf("telegram api %d: %s", resp.StatusCode(), resp.String())
	default:
		return permanentf("telegram api %d: %s", resp.StatusCode(), resp.String())
	}
}

const wecomWebhookURL = "https://qyapi.weixin.qq.com/cgi-bin/webhook/send"

// WeComChannel sends messages through WeCom group webhooks.
type WeComChannel struct {
	client *resty.Client
	logger *slog.Logger
}

// NewWeComChannel creates a WeCom channel.
func NewWeComChannel(cfg config.WeComConfig, logger *slog.Logger) *WeComChannel {
	return &WeComChannel{
		client: resty.New().SetTimeout(cfg.Timeout),
		logger: logger,
	}
}

func (c *WeComChannel) Type() model.TargetType { return model.TargetWeCom }

// Send posts a markdown message to the target webhook.
func (c *WeComChannel) Send(ctx context.Context, target model.Target, task *model.NotificationTask) error {
	if target.WebhookKey == "" {
		return permanentf("wecom target missing webhook_key")
	}

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("key", target.WebhookKey).
		SetBody(map[string]any{
			"msgtype":  "markdown",
			"markdown": map[string]string{"content": task.Message},
		}).
		SetResult(&result).
		Post(wecomWebhookURL)
	if err != nil {
		return fmt.Errorf("wecom send: %w", err)
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("wecom api %d", resp.StatusCode())
	}
	if !resp.IsSuccess() {
		return permanentf("wecom api %d", resp.StatusCode())
	}

	switch result.ErrCode {
	case 0:
		c.logger.Debug("WeCom message sent", "task_id", task.TaskID)
		return nil
	case 45009: // API frequency limit
		return fmt.Errorf("wecom rate limited: %s", result.ErrMsg)
	default:
		return permanentf("wecom errcode %d: %s", result.ErrCode, result.ErrMsg)
	}
}

// EmailChannel sends notifications over SMTP.
type EmailChannel struct {
	config config.EmailConfig
	logger *slog.Logger

	// Swappable for tests.
	sendMail func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an email channel.
func NewEmailChannel(cfg config.EmailConfig, logger *slog.Logger) *EmailChannel {
	return &EmailChannel{
		config:   cfg,
		logger:   logger,
		sendMail: smtp.SendMail,
	}
}

func (c *EmailChannel) Type() model.TargetType { return model.TargetEmail }

// Send delivers the task message as a plain-text email. The first line of
// the message becomes the subject.
func (c *EmailChannel) Send(ctx context.Context, target model.Target, task *model.NotificationTask) error {
	if len(target.To) == 0 {
		return permanentf("email target missing recipients")
	}
	if c.config.Host == "" {
		return permanentf("smtp not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := c.config.From
	if from == "" {
		from = c.config.Username
	}

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}

	msg := buildEmailBody(from, target.To, extractSubject(task.Message), task.Message)
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	if err := c.sendMail(addr, auth, from, target.To, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}

	c.logger.Debug("Email sent", "recipients", target.To, "task_id", task.TaskID)
	return nil
}

func buildEmailBody(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}

func extractSubject(message string) string {
	line := message
	if idx := strings.IndexByte(message, '\n'); idx != -1 {
		line = message[:idx]
	}
	line = strings.Trim(strings.TrimSpace(line), "#* ")
	if line == "" {
		return "Notification"
	}
	if len(line) > 100 {
		line = line[:100]
	}
	return line
}
