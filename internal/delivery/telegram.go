// Package delivery sends specialist replies to users over the Telegram Bot API.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/psds-microservice/appeal-service/internal/errs"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	// maxMessageRunes is the Bot API limit for one text message.
	maxMessageRunes = 4096
)

// Telegram отправляет сообщения через sendMessage.
type Telegram struct {
	token   string
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewTelegram returns a sender. An empty baseURL means the public Bot API.
func NewTelegram(token, baseURL string, httpClient *http.Client, log zerolog.Logger) *Telegram {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log.With().Str("component", "telegram").Logger(),
	}
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// Send delivers text to the chat, splitting it when it exceeds the message
// limit. A blocked bot or an unknown chat is reported as errs.ErrUnreachable.
func (t *Telegram) Send(ctx context.Context, identity int64, text string) error {
	if t.token == "" {
		return fmt.Errorf("%w: telegram token is not configured", errs.ErrMalformed)
	}
	for _, part := range splitMessage(text, maxMessageRunes) {
		if err := t.sendOne(ctx, identity, part); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) sendOne(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/bot"+t.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: telegram: %v", errs.ErrUnavailable, err)
	}
	defer res.Body.Close()

	var resp apiResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return fmt.Errorf("%w: telegram: status %d, undecodable body: %v", errs.ErrUnavailable, res.StatusCode, err)
	}
	if resp.OK {
		return nil
	}
	t.log.Debug().Int64("chat_id", chatID).Int("status", res.StatusCode).Str("description", resp.Description).Msg("sendMessage rejected")
	return classify(res.StatusCode, resp)
}

func classify(status int, resp apiResponse) error {
	desc := resp.Description
	if desc == "" {
		desc = http.StatusText(status)
	}
	switch {
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: telegram: %s", errs.ErrUnreachable, desc)
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(desc), "chat not found"):
		return fmt.Errorf("%w: telegram: %s", errs.ErrUnreachable, desc)
	case status == http.StatusTooManyRequests:
		after := 0
		if resp.Parameters != nil {
			after = resp.Parameters.RetryAfter
		}
		return fmt.Errorf("%w: telegram: %s (retry after %ds)", errs.ErrThrottled, desc, after)
	case status >= 500:
		return fmt.Errorf("%w: telegram: %s", errs.ErrUnavailable, desc)
	default:
		return fmt.Errorf("%w: telegram: %s", errs.ErrMalformed, desc)
	}
}

// splitMessage cuts text into chunks of at most limit runes, preferring line
// breaks as cut points.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
