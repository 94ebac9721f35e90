package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"funding-arb-state/internal/config"

	"go.uber.org/zap"
)

const (
	telegramBaseURL = "https://api.telegram.org"
	// Identical messages inside this window are dropped; a flapping database
	// would otherwise page once per health probe.
	repeatWindow = 5 * time.Minute

	maxReplyBytes = 4096
)

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	prefix  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewTelegram(cfg config.TelegramConfig, prefix string, log *zap.Logger) *Telegram {
	return newTelegram(cfg, prefix, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, prefix string, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled:  cfg.Enabled,
		token:    strings.TrimSpace(cfg.Token),
		chatID:   strings.TrimSpace(cfg.ChatID),
		prefix:   strings.TrimSpace(prefix),
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		log:      log,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Send delivers one alert. A failed delivery is not remembered, so the next
// identical alert is attempted again.
func (t *Telegram) Send(ctx context.Context, message string) error {
	if t == nil || !t.enabled {
		return nil
	}
	text, err := t.format(message)
	if err != nil {
		return err
	}
	if t.suppressed(text) {
		t.log.Debug("telegram alert suppressed", zap.String("message", text))
		return nil
	}
	if err := t.call(ctx, "sendMessage", sendMessageRequest{ChatID: t.chatID, Text: text}); err != nil {
		t.forget(text)
		return fmt.Errorf("telegram alert: %w", err)
	}
	return nil
}

func (t *Telegram) format(message string) (string, error) {
	if t.token == "" || t.chatID == "" {
		return "", errors.New("telegram token and chat_id are required")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return "", errors.New("telegram message is empty")
	}
	if t.prefix == "" {
		return message, nil
	}
	return "[" + t.prefix + "] " + message, nil
}

// call posts one Bot API method. A 2xx reply that is not JSON counts as
// delivered; an explicit ok=false never does.
func (t *Telegram) call(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := t.baseURL + "/bot" + t.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return fmt.Errorf("%s: read reply: %w", method, err)
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	var reply apiResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		if success {
			return nil
		}
		return fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if success && reply.OK {
		return nil
	}
	desc := strings.TrimSpace(reply.Description)
	if desc == "" {
		desc = http.StatusText(resp.StatusCode)
	}
	code := reply.ErrorCode
	if code == 0 {
		code = resp.StatusCode
	}
	return fmt.Errorf("%s: error %d: %s", method, code, desc)
}

func (t *Telegram) suppressed(message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.lastSent[message]; ok && now.Sub(last) < repeatWindow {
		return true
	}
	t.lastSent[message] = now
	return false
}

func (t *Telegram) forget(message string) {
	t.mu.Lock()
	delete(t.lastSent, message)
	t.mu.Unlock()
}
