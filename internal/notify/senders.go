package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fencesync/internal/config"
	"fencesync/internal/permanent"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot token, chat id, and base URL.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSender creates Telegram sender.
// Params: Telegram notifier config.
// Returns: sender; configuration problems surface on Send.
func NewTelegramSender(cfg config.TelegramNotifier) *TelegramSender {
	sender := &TelegramSender{
		chatID: normalizeChatID(cfg.ChatID),
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = permanent.Mark(errors.New("telegram bot token is required"))
		return sender
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sender.initErr = permanent.Mark(errors.New("telegram chat_id is required"))
		return sender
	}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = permanent.Mark(fmt.Errorf("init telegram bot: %w", err))
		return sender
	}
	sender.client = botClient
	return sender
}

// Channel returns sender channel name.
func (s *TelegramSender) Channel() string {
	return config.NotifyChannelTelegram
}

// Send posts one notification message to Telegram chat.
// Params: context and notification payload.
// Returns: Telegram message id or transport error.
func (s *TelegramSender) Send(ctx context.Context, notification Notification) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, s.initErr
	}
	if s.client == nil {
		return SendResult{}, errors.New("telegram client is not initialized")
	}

	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      notification.Message,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		if errors.Is(err, tgbot.ErrorBadRequest) || errors.Is(err, tgbot.ErrorUnauthorized) || errors.Is(err, tgbot.ErrorForbidden) {
			return SendResult{}, permanent.Mark(fmt.Errorf("telegram send: %w", err))
		}
		return SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, errors.New("telegram send returned empty message id")
	}
	return SendResult{MessageID: sent.ID}, nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// HTTPSender posts notification JSON to configured HTTP endpoint.
// Params: endpoint URL, method, timeout, and headers.
// Returns: generic HTTP sender.
type HTTPSender struct {
	cfg    config.HTTPNotifier
	client *http.Client
}

// NewHTTPSender creates generic HTTP sender.
func NewHTTPSender(cfg config.HTTPNotifier) *HTTPSender {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Channel returns sender channel name.
func (s *HTTPSender) Channel() string {
	return config.NotifyChannelHTTP
}

// Send delivers JSON payload to configured HTTP endpoint.
// Params: context and notification payload.
// Returns: transport error, or permanent error for 4xx responses.
func (s *HTTPSender) Send(ctx context.Context, notification Notification) (SendResult, error) {
	body, err := json.Marshal(notification)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode http notify payload: %w", err)
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, permanent.Mark(fmt.Errorf("build http notify request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("http notify send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return SendResult{}, permanent.ForStatus(response.StatusCode, unexpectedHTTPStatusError("http notify", response))
	}
	return SendResult{}, nil
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4096))
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}
