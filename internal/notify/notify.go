// Package notify содержит уведомители о новых подарочных кодах.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Notifier получает событие об обнаружении нового кода.
type Notifier interface {
	NotifyNewCode(ctx context.Context, code, date string) error
}

// Event описывает тело webhook-уведомления.
type Event struct {
	Type string `json:"type"`
	Code string `json:"code"`
	Date string `json:"date"`
}

const eventNewCode = "gift_code.discovered"

// WebhookNotifier отправляет событие POST-запросом с JSON-телом.
type WebhookNotifier struct {
	url    string
	client *retryablehttp.Client
}

// NewWebhookNotifier создаёт уведомитель для указанного адреса.
func NewWebhookNotifier(url string, retryMax int, timeout time.Duration) *WebhookNotifier {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = retryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	if timeout > 0 {
		client.HTTPClient.Timeout = timeout
	}

	return &WebhookNotifier{url: url, client: client}
}

// NotifyNewCode реализует Notifier.
func (n *WebhookNotifier) NotifyNewCode(ctx context.Context, code, date string) error {
	payload, err := json.Marshal(Event{Type: eventNewCode, Code: code, Date: date})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver webhook: unexpected status: %d", resp.StatusCode)
	}

	return nil
}

// LogNotifier записывает событие в лог.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт уведомитель, пишущий в лог.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyNewCode реализует Notifier.
func (n *LogNotifier) NotifyNewCode(_ context.Context, code, date string) error {
	n.logger.Info("new gift code discovered", zap.String("code", code), zap.String("date", date))
	return nil
}

// Multi рассылает событие всем уведомителям. Ошибка одного не мешает остальным.
type Multi []Notifier

// NotifyNewCode реализует Notifier.
func (m Multi) NotifyNewCode(ctx context.Context, code, date string) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyNewCode(ctx, code, date); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
