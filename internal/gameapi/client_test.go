package gameapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/giftcode-redeemer/internal/model"
	"github.com/mmeshcher/giftcode-redeemer/internal/signer"
)

const testSecret = "test-secret"

func newTestClient(baseURL string) *Client {
	return NewClient(Options{
		BaseURL:          baseURL,
		Secret:           testSecret,
		Cooldown:         5 * time.Millisecond,
		RedeemMaxRetries: 3,
		Timeout:          time.Second,
		Now:              func() time.Time { return time.UnixMilli(1700000000000) },
	})
}

func verifySignature(t *testing.T, form url.Values) {
	t.Helper()

	params := make(map[string]any, len(form))
	for k := range form {
		if k == signer.ParamSign {
			continue
		}
		params[k] = form.Get(k)
	}

	want, err := signer.Sign(params, testSecret)
	require.NoError(t, err)
	assert.Equal(t, want, form.Get(signer.ParamSign), "signature mismatch")
}

func TestFetchAccountInfo_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/player" {
			t.Errorf("path = %s, want /api/player", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		assert.Equal(t, "123456", r.PostForm.Get("fid"))
		assert.Equal(t, "1700000000000", r.PostForm.Get("time"))
		verifySignature(t, r.PostForm)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"code":0,"data":{"fid":123456,"nickname":"Frost","kid":77,"stove_lv":30,"avatar_image":"http://img"},"msg":"success","err_code":""}`)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	info, err := newTestClient(ts.URL).FetchAccountInfo(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, &AccountInfo{FID: "123456", Nickname: "Frost", KID: 77, Level: 30, AvatarURL: "http://img"}, info)
}

func TestFetchAccountInfo_NotSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":1,"data":[],"msg":"role not exist.","err_code":40004}`)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).FetchAccountInfo(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestFetchAccountInfo_UnboundedRetryOn429(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 5 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"code":0,"data":{"nickname":"x"},"msg":"success"}`)
	}))
	defer ts.Close()

	info, err := newTestClient(ts.URL).FetchAccountInfo(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "x", info.Nickname)
	assert.Equal(t, int32(6), calls.Load())
}

func TestFetchAccountInfo_BoundedLookupRetries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(Options{
		BaseURL:          ts.URL,
		Secret:           testSecret,
		Cooldown:         time.Millisecond,
		LookupMaxRetries: 2,
	})

	_, err := client.FetchAccountInfo(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRedeemCode_Classification(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    model.Outcome
		wantErr bool
	}{
		{
			name: "success",
			body: `{"code":0,"data":[],"msg":"SUCCESS","err_code":20000}`,
			want: model.OutcomeSuccess,
		},
		{
			name: "received",
			body: `{"code":1,"data":[],"msg":"RECEIVED.","err_code":40008}`,
			want: model.OutcomeAlreadyClaimed,
		},
		{
			name: "same type exchange",
			body: `{"code":1,"data":[],"msg":"SAME TYPE EXCHANGE.","err_code":40011}`,
			want: model.OutcomeAlreadyClaimed,
		},
		{
			name: "cdk not found",
			body: `{"code":1,"data":[],"msg":"CDK NOT FOUND.","err_code":40014}`,
			want: model.OutcomeCodeInvalid,
		},
		{
			name:    "anything else",
			body:    `{"code":1,"data":[],"msg":"TIME ERROR.","err_code":40007}`,
			want:    model.OutcomeTransientError,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/gift_code" {
					t.Errorf("path = %s, want /api/gift_code", r.URL.Path)
				}
				if err := r.ParseForm(); err != nil {
					t.Errorf("parse form: %v", err)
				}
				assert.Equal(t, "SUMMER25", r.PostForm.Get("cdk"))
				assert.Equal(t, "42", r.PostForm.Get("fid"))
				verifySignature(t, r.PostForm)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer ts.Close()

			got, err := newTestClient(ts.URL).RedeemCode(context.Background(), &AccountInfo{FID: "42"}, "SUMMER25")
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrProtocol))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRedeemCode_RequiresLookup(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1")

	got, err := client.RedeemCode(context.Background(), nil, "CODE")
	assert.Equal(t, model.OutcomeTransientError, got)
	assert.True(t, errors.Is(err, ErrNoSession))
}

func TestRedeemCode_ReplaysSameSignedRequest(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		n := len(bodies)
		mu.Unlock()

		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"msg":"SUCCESS"}`)
	}))
	defer ts.Close()

	calls := 0
	client := newTestClient(ts.URL)
	client.now = func() time.Time {
		calls++
		return time.UnixMilli(int64(1700000000000 + calls))
	}

	got, err := client.RedeemCode(context.Background(), &AccountInfo{FID: "42"}, "CODE")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, got)

	require.Len(t, bodies, 3)
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, bodies[1], bodies[2])
	assert.Equal(t, 1, calls, "request must be signed once")
}

func TestRedeemCode_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	got, err := newTestClient(ts.URL).RedeemCode(context.Background(), &AccountInfo{FID: "42"}, "CODE")
	assert.Equal(t, model.OutcomeTransientError, got)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, int32(4), calls.Load())
}

func TestRedeemCode_TransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := ts.URL
	ts.Close()

	got, err := newTestClient(addr).RedeemCode(context.Background(), &AccountInfo{FID: "42"}, "CODE")
	assert.Equal(t, model.OutcomeTransientError, got)
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestRedeemCode_UnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	got, err := newTestClient(ts.URL).RedeemCode(context.Background(), &AccountInfo{FID: "42"}, "CODE")
	assert.Equal(t, model.OutcomeTransientError, got)
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestRedeemCode_CooldownHonoursContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL, Secret: testSecret, Cooldown: time.Minute, RedeemMaxRetries: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	got, err := client.RedeemCode(ctx, &AccountInfo{FID: "42"}, "CODE")
	assert.Equal(t, model.OutcomeTransientError, got)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFetchAccountInfo_InterruptStopsCooldownOnly(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL, Secret: testSecret, Cooldown: time.Hour})

	stop := make(chan struct{})
	ctx := WithInterrupt(context.Background(), stop)

	done := make(chan error, 1)
	go func() {
		_, err := client.FetchAccountInfo(ctx, "42")
		done <- err
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(stop)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInterrupted)
		assert.ErrorIs(t, err, ErrTransport)
	case <-time.After(2 * time.Second):
		t.Fatal("cooldown was not interrupted")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, model.OutcomeSuccess, Classify("SUCCESS", 20000))
	assert.Equal(t, model.OutcomeAlreadyClaimed, Classify("RECEIVED.", 0))
	assert.Equal(t, model.OutcomeAlreadyClaimed, Classify("", ErrCodeReceived))
	assert.Equal(t, model.OutcomeAlreadyClaimed, Classify("SAME TYPE EXCHANGE.", 0))
	assert.Equal(t, model.OutcomeCodeInvalid, Classify("", ErrCodeCDKNotFound))
	assert.Equal(t, model.OutcomeTransientError, Classify("TIMEOUT RETRY.", 40004))
	assert.Equal(t, model.OutcomeTransientError, Classify("", 0))
}
