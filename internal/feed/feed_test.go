package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/giftcode-redeemer/internal/model"
)

func TestParse(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)

	input := strings.Join([]string{
		"CODE1 1.1.2025",
		"",
		"SUMMER25 31.12.2024",
		"broken-line",
		"BAD 32.13.2024",
		"CODE1 2.2.2025",
		"  SPACED   05.03.2025  ",
	}, "\n")

	codes, err := Parse(strings.NewReader(input), zap.New(core))
	require.NoError(t, err)

	assert.Equal(t, []model.GiftCode{
		{Code: "CODE1", Date: "2025-01-01"},
		{Code: "SUMMER25", Date: "2024-12-31"},
		{Code: "SPACED", Date: "2025-03-05"},
	}, codes)
	assert.Equal(t, 2, logs.FilterMessage("skip malformed feed line").Len())
}

func TestParse_OversizedLineIsSkipped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)

	input := "CODE1 1.1.2025\n" + strings.Repeat("x", 70*1024) + "\nCODE2 2.1.2025\n"

	codes, err := Parse(strings.NewReader(input), zap.New(core))
	require.NoError(t, err)

	assert.Equal(t, []model.GiftCode{
		{Code: "CODE1", Date: "2025-01-01"},
		{Code: "CODE2", Date: "2025-01-02"},
	}, codes)

	skipped := logs.FilterMessage("skip malformed feed line").All()
	require.Len(t, skipped, 1)
	assert.Less(t, len(skipped[0].ContextMap()["text"].(string)), 100)
}

func TestParse_NoTrailingNewline(t *testing.T) {
	codes, err := Parse(strings.NewReader("CODE1 1.1.2025\r\nCODE2 2.1.2025"), nil)
	require.NoError(t, err)
	assert.Len(t, codes, 2)
}

func TestParse_AllMalformed(t *testing.T) {
	codes, err := Parse(strings.NewReader("nonsense\nalso nonsense here\n"), nil)
	require.NoError(t, err)
	assert.Empty(t, codes)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(strings.NewReader("\n  \n"), nil)
	assert.True(t, errors.Is(err, ErrEmptyFeed))
}

func TestFetch_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "CODE1 1.1.2025\n")
	}))
	defer ts.Close()

	f := NewFetcher(Options{URL: ts.URL, Timeout: time.Second}, zap.NewNop())

	codes, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.GiftCode{{Code: "CODE1", Date: "2025-01-01"}}, codes)
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "CODE2 2.2.2025\n")
	}))
	defer ts.Close()

	f := NewFetcher(Options{
		URL:          ts.URL,
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}, nil)

	codes, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, codes, 1)
	assert.Equal(t, 2, calls)
}

func TestFetch_Failure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	f := NewFetcher(Options{URL: ts.URL}, nil)

	_, err := f.Fetch(context.Background())
	assert.Error(t, err)
}
