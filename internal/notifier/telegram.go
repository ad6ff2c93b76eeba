package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/amirphl/bridge-trader/internal/utils"
	"github.com/cenkalti/backoff/v4"
)

const telegramAPI = "https://api.telegram.org"

type TelegramNotifier struct {
	Token   string
	ChatID  string
	Retries int
	Delay   time.Duration

	apiBase string
	client  *http.Client
}

func NewTelegramNotifier(token, chatID string, retries int, delay time.Duration) *TelegramNotifier {
	if retries <= 0 {
		retries = 1
	}
	return &TelegramNotifier{
		Token:   token,
		ChatID:  chatID,
		Retries: retries,
		Delay:   delay,
		apiBase: telegramAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a bot token and chat are configured.
func (t *TelegramNotifier) Enabled() bool {
	return t.Token != "" && t.ChatID != ""
}

func (t *TelegramNotifier) Send(message string) error {
	if !t.Enabled() {
		utils.GetLogger().Debugf("Notifier | Telegram disabled, dropping: %s", message)
		return nil
	}
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.Token)
	resp, err := t.client.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

// SendWithRetry sends message up to Retries times with a constant Delay in between.
func (t *TelegramNotifier) SendWithRetry(message string) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(t.Delay), uint64(t.Retries-1))
	err := backoff.RetryNotify(func() error { return t.Send(message) }, policy, func(err error, next time.Duration) {
		utils.GetLogger().Warnf("Notifier | Telegram send failed: %v, retrying in %v", err, next)
	})
	if err != nil {
		utils.GetLogger().Errorf("Notifier | Telegram send gave up: %v", err)
	}
	return err
}
