// Package feed загружает и разбирает внешний список подарочных кодов.
package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftcode-redeemer/internal/model"
	"github.com/mmeshcher/giftcode-redeemer/internal/validation"
)

// ErrEmptyFeed возвращается, если список не содержит ни одной непустой строки.
var ErrEmptyFeed = errors.New("empty code feed")

const (
	feedDateLayout = "2.1.2006"
	isoDateLayout  = "2006-01-02"
	maxFeedSize    = 1 << 20
	maxLineLen     = 256
	maxLoggedLine  = 80
)

// Options задаёт параметры загрузки списка кодов.
type Options struct {
	URL          string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// Fetcher загружает список кодов по HTTP с повторами.
type Fetcher struct {
	url    string
	client *retryablehttp.Client
	logger *zap.Logger
}

// NewFetcher создаёт загрузчик списка кодов.
func NewFetcher(opts Options, logger *zap.Logger) *Fetcher {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fetcher{
		url:    opts.URL,
		client: client,
		logger: logger,
	}
}

// Fetch загружает и разбирает список кодов.
func (f *Fetcher) Fetch(ctx context.Context) ([]model.GiftCode, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: unexpected status: %d", resp.StatusCode)
	}

	return Parse(io.LimitReader(resp.Body, maxFeedSize), f.logger)
}

// Parse разбирает строки вида "<code> <D.M.Y>". Некорректные и слишком длинные
// строки пропускаются с записью в лог, повторные коды игнорируются.
func Parse(r io.Reader, logger *zap.Logger) ([]model.GiftCode, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reader := bufio.NewReader(r)
	seen := make(map[string]struct{})
	codes := make([]model.GiftCode, 0)
	lines := 0

	for lineNo := 1; ; lineNo++ {
		raw, readErr := reader.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("read feed: %w", readErr)
		}

		if line := strings.TrimSpace(raw); line != "" {
			lines++

			code, err := parseLine(line)
			if err != nil {
				logger.Warn("skip malformed feed line",
					zap.Int("line", lineNo),
					zap.String("text", truncate(line, maxLoggedLine)),
					zap.Error(err),
				)
			} else if _, ok := seen[code.Code]; !ok {
				seen[code.Code] = struct{}{}
				codes = append(codes, code)
			}
		}

		if readErr != nil {
			break
		}
	}

	if lines == 0 {
		return nil, ErrEmptyFeed
	}

	return codes, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func parseLine(line string) (model.GiftCode, error) {
	if len(line) > maxLineLen {
		return model.GiftCode{}, fmt.Errorf("line too long: %d bytes", len(line))
	}

	fields := strings.Fields(line)
	if len(fields) != 2 {
		return model.GiftCode{}, fmt.Errorf("expected 2 fields, got %d", len(fields))
	}

	if !validation.IsValidGiftCode(fields[0]) {
		return model.GiftCode{}, fmt.Errorf("invalid code %q", fields[0])
	}

	date, err := time.Parse(feedDateLayout, fields[1])
	if err != nil {
		return model.GiftCode{}, fmt.Errorf("invalid date %q: %w", fields[1], err)
	}

	return model.GiftCode{
		Code: fields[0],
		Date: date.Format(isoDateLayout),
	}, nil
}
