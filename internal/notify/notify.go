package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"
	"time"

	"fencesync/internal/config"
	"fencesync/internal/permanent"
	"fencesync/internal/templatefmt"
)

// Notification kinds.
const (
	KindAddResult    = "add_result"
	KindRemoveResult = "remove_result"
	KindTrigger      = "trigger"
)

// Notification is the template data and HTTP payload for one outbound message.
type Notification struct {
	Kind      string         `json:"kind"`
	Channel   string         `json:"channel"`
	Service   string         `json:"service,omitempty"`
	FenceID   string         `json:"fence_id"`
	Target    string         `json:"target,omitempty"`
	Result    string         `json:"result,omitempty"`
	Code      int            `json:"code"`
	Error     string         `json:"error,omitempty"`
	State     string         `json:"state,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}

// SendResult returns channel-specific metadata after successful delivery.
type SendResult struct {
	MessageID int
}

// compiledTemplate holds parsed template with channel binding.
type compiledTemplate struct {
	channel string
	body    *template.Template
}

// ChannelSender sends one outbound notification to one channel.
// Params: context and notification payload.
// Returns: channel send metadata and transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, notification Notification) (SendResult, error)
}

// Dispatcher renders named templates and delivers notifications with per-channel retries.
// Params: sender set, retry policy, and compiled templates.
// Returns: send helper shared by listeners and handlers.
type Dispatcher struct {
	senders      map[string]ChannelSender
	channels     []string
	retries      map[string]config.NotifyRetry
	logger       *slog.Logger
	templates    map[string]compiledTemplate
	templateErrs map[string]error
}

// NewDispatcher builds notification dispatcher from enabled channels.
// Params: notify config and optional logger.
// Returns: configured dispatcher with available senders.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	senders := make(map[string]ChannelSender)
	retries := make(map[string]config.NotifyRetry)
	for _, channel := range config.NotifyChannelNames() {
		if !config.NotifyChannelEnabled(cfg, channel) {
			continue
		}
		sender := newSenderForChannel(channel, cfg)
		if sender == nil {
			continue
		}
		senders[channel] = sender
		retries[channel] = config.NotifyChannelRetry(cfg, channel)
	}
	compiled, templateErrs := buildTemplateSet(cfg)
	return newDispatcher(senders, retries, compiled, templateErrs, logger)
}

func newDispatcher(senders map[string]ChannelSender, retries map[string]config.NotifyRetry, compiled map[string]compiledTemplate, templateErrs map[string]error, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	channels := make([]string, 0, len(senders))
	for channel := range senders {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return &Dispatcher{
		senders:      senders,
		channels:     channels,
		retries:      retries,
		logger:       logger.With("component", "notify"),
		templates:    compiled,
		templateErrs: templateErrs,
	}
}

func newSenderForChannel(channel string, cfg config.NotifyConfig) ChannelSender {
	switch channel {
	case config.NotifyChannelTelegram:
		return NewTelegramSender(cfg.Telegram)
	case config.NotifyChannelHTTP:
		return NewHTTPSender(cfg.HTTP)
	default:
		return nil
	}
}

// Channels returns configured channel list.
func (d *Dispatcher) Channels() []string {
	return d.channels
}

// Send renders template and sends one notification with retry policy.
// Params: destination channel, template name, and notification payload.
// Returns: channel metadata and final error after retries.
func (d *Dispatcher) Send(ctx context.Context, channel, templateName string, notification Notification) (SendResult, error) {
	channel = config.NormalizeNotifyChannel(channel)
	sender, ok := d.senders[channel]
	if !ok {
		return SendResult{}, fmt.Errorf("notify channel %q is not configured", channel)
	}
	compiled, err := d.resolveTemplate(templateName, channel)
	if err != nil {
		return SendResult{}, err
	}

	rendered := notification
	rendered.Channel = channel
	message, err := renderMessage(compiled, rendered)
	if err != nil {
		return SendResult{}, err
	}
	rendered.Message = message

	return d.sendWithRetry(ctx, sender, rendered, d.retries[channel])
}

// SendRoutes delivers notification to every route and joins failures.
// Params: routes and notification payload.
// Returns: joined route errors.
func (d *Dispatcher) SendRoutes(ctx context.Context, routes []config.NotifyRoute, notification Notification) error {
	var errs []error
	for _, route := range routes {
		if _, err := d.Send(ctx, route.Channel, route.Template, notification); err != nil {
			errs = append(errs, fmt.Errorf("route %s/%s: %w", route.Channel, route.Template, err))
		}
	}
	return errors.Join(errs...)
}

// sendWithRetry sends one notification with channel-specific retry policy.
// Permanent errors stop retries immediately.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, notification Notification, retry config.NotifyRetry) (SendResult, error) {
	if !retry.Enabled {
		return sender.Send(ctx, notification)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer stopTimer(timer)

	for {
		attempt++
		result, err := sender.Send(ctx, notification)
		if err == nil {
			if retry.LogEachAttempt && attempt > 1 {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return result, nil
		}
		if retry.LogEachAttempt {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}
		if permanent.Is(err) {
			return SendResult{}, fmt.Errorf("channel %s rejected notification: %w", sender.Channel(), err)
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return SendResult{}, fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}

		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return SendResult{}, ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// resolveTemplate selects compiled template by name and validates channel binding.
func (d *Dispatcher) resolveTemplate(templateName, channel string) (compiledTemplate, error) {
	name := strings.ToLower(strings.TrimSpace(templateName))
	if name == "" {
		return compiledTemplate{}, errors.New("notify template name is required")
	}
	key := templateKey(channel, name)
	if err, ok := d.templateErrs[key]; ok && err != nil {
		return compiledTemplate{}, fmt.Errorf("notify template %q is invalid: %w", templateName, err)
	}
	compiled, ok := d.templates[key]
	if !ok || compiled.body == nil {
		return compiledTemplate{}, fmt.Errorf("notify template %q is not configured for channel %q", templateName, channel)
	}
	return compiled, nil
}

func renderMessage(entry compiledTemplate, notification Notification) (string, error) {
	var rendered strings.Builder
	if err := entry.body.Execute(&rendered, notification); err != nil {
		return "", fmt.Errorf("render notify template for channel %q: %w", entry.channel, err)
	}
	return rendered.String(), nil
}

// buildTemplateSet compiles named templates from channel-scoped notify config.
// Params: notify config snapshot.
// Returns: compiled template lookup and parse errors by template key.
func buildTemplateSet(cfg config.NotifyConfig) (map[string]compiledTemplate, map[string]error) {
	compiled := make(map[string]compiledTemplate)
	parseErrs := make(map[string]error)
	for _, channel := range config.NotifyChannelNames() {
		for _, entry := range config.NotifyChannelTemplates(cfg, channel) {
			name := strings.ToLower(strings.TrimSpace(entry.Name))
			if name == "" {
				continue
			}
			key := templateKey(channel, name)
			body, err := templatefmt.Parse("notify."+channel+".name-template."+name+".message", entry.Message)
			if err != nil {
				parseErrs[key] = err
			}
			compiled[key] = compiledTemplate{channel: channel, body: body}
		}
	}
	return compiled, parseErrs
}

func templateKey(channel, name string) string {
	return strings.ToLower(strings.TrimSpace(channel)) + "/" + strings.ToLower(strings.TrimSpace(name))
}
