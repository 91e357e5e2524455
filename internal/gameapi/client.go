// Package gameapi предоставляет клиент игрового API активации подарочных кодов.
package gameapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/time/rate"

	"github.com/mmeshcher/giftcode-redeemer/internal/metrics"
	"github.com/mmeshcher/giftcode-redeemer/internal/model"
	"github.com/mmeshcher/giftcode-redeemer/internal/signer"
)

// Ошибки клиента. Все, кроме ErrSigning, приводят к исходу TransientError.
var (
	// ErrTransport возвращается при сетевой ошибке или таймауте.
	ErrTransport = errors.New("transport error")
	// ErrRateLimited возвращается, если исчерпан бюджет повторов после ответов 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrProtocol возвращается при неожиданном статусе или формате ответа.
	ErrProtocol = errors.New("protocol error")
	// ErrInterrupted возвращается, если пауза после 429 прервана сигналом WithInterrupt.
	ErrInterrupted = errors.New("cooldown interrupted")
	// ErrNoSession возвращается при попытке активации без предварительного запроса аккаунта.
	ErrNoSession = errors.New("account lookup required before redemption")
)

const (
	playerEndpoint   = "player"
	giftCodeEndpoint = "gift_code"

	lookupSuccessMsg = "success"
	maxBodySize      = 1 << 20
)

// Коды ошибок игрового API.
const (
	ErrCodeReceived     = 40008
	ErrCodeSameType     = 40011
	ErrCodeCDKNotFound  = 40014
	msgSuccess          = "SUCCESS"
	msgReceived         = "RECEIVED."
	msgSameTypeExchange = "SAME TYPE EXCHANGE."
	msgCDKNotFound      = "CDK NOT FOUND."
)

// Options задаёт параметры клиента.
type Options struct {
	BaseURL string
	Secret  string
	// Cooldown задаёт паузу после ответа 429, если сервер не прислал Retry-After.
	Cooldown time.Duration
	// LookupMaxRetries ограничивает повторы запроса аккаунта после 429, 0 снимает ограничение.
	LookupMaxRetries int
	// RedeemMaxRetries ограничивает повторы активации после 429, 0 снимает ограничение.
	RedeemMaxRetries int
	// RequestInterval задаёт минимальный интервал между запросами. 0 отключает ограничение.
	RequestInterval time.Duration
	Timeout         time.Duration
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// Client инкапсулирует подписанные HTTP-запросы к игровому API.
type Client struct {
	baseURL       string
	secret        string
	httpClient    *http.Client
	cooldown      time.Duration
	lookupRetries int
	redeemRetries int
	limiter       *rate.Limiter
	metrics       *metrics.Metrics
	now           func() time.Time
}

// AccountInfo описывает ответ на запрос аккаунта.
// Наличие значения подтверждает, что сессия для активации открыта.
type AccountInfo struct {
	FID       string `json:"fid"`
	Nickname  string `json:"nickname"`
	KID       int    `json:"kid"`
	Level     int    `json:"level"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type apiResponse struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Msg     string          `json:"msg"`
	ErrCode errCode         `json:"err_code"`
}

type playerData struct {
	Nickname string `json:"nickname"`
	KID      int    `json:"kid"`
	StoveLv  int    `json:"stove_lv"`
	Avatar   string `json:"avatar_image"`
}

// errCode принимает err_code как число, строку или пустое значение.
type errCode int

func (c *errCode) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("parse err_code %q: %w", s, err)
	}
	*c = errCode(v)
	return nil
}

// NewClient создаёт клиент игрового API.
// TLS-проверка сертификата отключена намеренно и только для этого хоста:
// игровой API отдаёт сертификат, не совпадающий с именем хоста.
func NewClient(opts Options) *Client {
	transport := cleanhttp.DefaultPooledTransport()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		secret:  opts.Secret,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		cooldown:      opts.Cooldown,
		lookupRetries: opts.LookupMaxRetries,
		redeemRetries: opts.RedeemMaxRetries,
		metrics:       opts.Metrics,
		now:           now,
	}

	if opts.RequestInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(opts.RequestInterval), 1)
	}

	return c
}

// FetchAccountInfo запрашивает данные аккаунта. Успешный ответ обязателен перед RedeemCode.
func (c *Client) FetchAccountInfo(ctx context.Context, fid string) (*AccountInfo, error) {
	resp, err := c.post(ctx, playerEndpoint, map[string]any{"fid": fid}, c.lookupRetries)
	if err != nil {
		return nil, err
	}

	if resp.Msg != lookupSuccessMsg {
		return nil, fmt.Errorf("%w: lookup msg=%q err_code=%d", ErrProtocol, resp.Msg, resp.ErrCode)
	}

	var data playerData
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: decode player data: %v", ErrProtocol, err)
		}
	}

	return &AccountInfo{
		FID:       fid,
		Nickname:  data.Nickname,
		KID:       data.KID,
		Level:     data.StoveLv,
		AvatarURL: data.Avatar,
	}, nil
}

// RedeemCode активирует код для аккаунта, полученного через FetchAccountInfo.
// При ошибке исход всегда OutcomeTransientError.
func (c *Client) RedeemCode(ctx context.Context, info *AccountInfo, code string) (model.Outcome, error) {
	if info == nil || info.FID == "" {
		return model.OutcomeTransientError, ErrNoSession
	}

	params := map[string]any{
		"fid": info.FID,
		"cdk": code,
	}

	resp, err := c.post(ctx, giftCodeEndpoint, params, c.redeemRetries)
	if err != nil {
		return model.OutcomeTransientError, err
	}

	outcome := Classify(resp.Msg, int(resp.ErrCode))
	if outcome == model.OutcomeTransientError {
		return outcome, fmt.Errorf("%w: redeem msg=%q err_code=%d", ErrProtocol, resp.Msg, resp.ErrCode)
	}

	return outcome, nil
}

// Classify сопоставляет ответ активации закрытому набору исходов.
func Classify(msg string, code int) model.Outcome {
	switch {
	case msg == msgSuccess:
		return model.OutcomeSuccess
	case msg == msgReceived || code == ErrCodeReceived:
		return model.OutcomeAlreadyClaimed
	case msg == msgSameTypeExchange || code == ErrCodeSameType:
		return model.OutcomeAlreadyClaimed
	case msg == msgCDKNotFound || code == ErrCodeCDKNotFound:
		return model.OutcomeCodeInvalid
	default:
		return model.OutcomeTransientError
	}
}

// post подписывает параметры один раз и повторяет тот же запрос после ответов 429.
func (c *Client) post(ctx context.Context, endpoint string, params map[string]any, maxRetries int) (*apiResponse, error) {
	form, err := signer.Form(params, c.secret, c.now())
	if err != nil {
		return nil, err
	}
	body := form.Encode()

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	url := fmt.Sprintf("%s/api/%s", base, endpoint)

	for retries := 0; ; retries++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: wait for rate limiter: %v", ErrTransport, err)
			}
		}

		status, retryAfter, payload, err := c.do(ctx, url, body)
		c.metrics.ObserveAPIRequest(endpoint, status)
		if err != nil {
			return nil, err
		}

		if status == http.StatusTooManyRequests {
			c.metrics.ObserveRateLimited(endpoint)
			if maxRetries > 0 && retries >= maxRetries {
				return nil, fmt.Errorf("%w: %s after %d retries", ErrRateLimited, endpoint, retries)
			}

			wait := c.cooldown
			if retryAfter > wait {
				wait = retryAfter
			}
			if err := sleep(ctx, interruptOf(ctx), wait); err != nil {
				return nil, fmt.Errorf("%w: cooldown: %w", ErrTransport, err)
			}
			continue
		}

		if status != http.StatusOK {
			return nil, fmt.Errorf("%w: unexpected status: %d", ErrProtocol, status)
		}

		var resp apiResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrProtocol, err)
		}

		return &resp, nil
	}
}

func (c *Client) do(ctx context.Context, url, body string) (int, time.Duration, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return 0, 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%w: do request: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return resp.StatusCode, retryAfter, nil, nil
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, 0, nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}

	return resp.StatusCode, 0, payload, nil
}

type interruptKey struct{}

// WithInterrupt связывает с ctx сигнал, прерывающий паузы после ответа 429.
// Отправленные запросы по этому сигналу не отменяются.
func WithInterrupt(ctx context.Context, done <-chan struct{}) context.Context {
	return context.WithValue(ctx, interruptKey{}, done)
}

func interruptOf(ctx context.Context) <-chan struct{} {
	done, _ := ctx.Value(interruptKey{}).(<-chan struct{})
	return done
}

func sleep(ctx context.Context, interrupt <-chan struct{}, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-interrupt:
		return ErrInterrupted
	default:
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-interrupt:
		return ErrInterrupted
	case <-timer.C:
		return nil
	}
}
