// Package service реализует бизнес-логику активации подарочных кодов.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftcode-redeemer/internal/gameapi"
	"github.com/mmeshcher/giftcode-redeemer/internal/metrics"
	"github.com/mmeshcher/giftcode-redeemer/internal/model"
	"github.com/mmeshcher/giftcode-redeemer/internal/notify"
	"github.com/mmeshcher/giftcode-redeemer/internal/validation"
)

var (
	// ErrUnauthorized возвращается, если вызывающему запрещён ручной запуск.
	ErrUnauthorized = errors.New("caller is not authorized")
	// ErrInvalidCode возвращается для кода недопустимого формата.
	ErrInvalidCode = errors.New("invalid gift code format")
)

// Ledger описывает журнал исходов активации по паре (аккаунт, код).
type Ledger interface {
	GetRedemption(ctx context.Context, fid, code string) (model.Outcome, bool, error)
	UpsertRedemption(ctx context.Context, fid, code string, outcome model.Outcome) error
}

// AccountSource возвращает аккаунты для массовой активации.
type AccountSource interface {
	ListAccounts(ctx context.Context) ([]string, error)
}

// Gate решает, разрешён ли вызывающему ручной запуск.
type Gate interface {
	IsAuthorized(ctx context.Context, callerID string) (bool, error)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Ledger
	AccountSource
	AccountStore
	Gate
	Close() error
	ListCodes(ctx context.Context) ([]model.GiftCode, error)
	SyncCodes(ctx context.Context, codes []model.GiftCode) ([]model.GiftCode, []string, error)
	ListRedemptions(ctx context.Context, code string) ([]model.RedemptionRecord, error)
}

// GameAPI описывает протокол игрового API. RedeemCode принимает результат FetchAccountInfo.
type GameAPI interface {
	FetchAccountInfo(ctx context.Context, fid string) (*gameapi.AccountInfo, error)
	RedeemCode(ctx context.Context, info *gameapi.AccountInfo, code string) (model.Outcome, error)
}

// CodeFeed загружает внешний список кодов.
type CodeFeed interface {
	Fetch(ctx context.Context) ([]model.GiftCode, error)
}

// Options задаёт параметры сервиса.
type Options struct {
	DiscoveryInterval time.Duration
	// MaxParallelRuns ограничивает число одновременно активируемых кодов.
	MaxParallelRuns int
	// AccountTimeout ограничивает обработку одного аккаунта, 0 снимает ограничение.
	AccountTimeout time.Duration
	// AutoRedeem запускает активацию для всех аккаунтов сразу после обнаружения кода.
	AutoRedeem    bool
	NotifyTimeout time.Duration
	Metrics       *metrics.Metrics
}

// Service содержит бизнес-логику сервиса активации кодов.
type Service struct {
	repo     Repository
	api      GameAPI
	feed     CodeFeed
	notifier notify.Notifier
	logger   *zap.Logger
	opts     Options

	now      func() time.Time
	newRunID func() string

	// runSlots ограничивает число одновременных прогонов по всем точкам входа.
	runSlots chan struct{}

	lifetime   context.Context
	stop       context.CancelFunc
	background sync.WaitGroup
}

// NewService создаёт новый сервис. feed и notifier могут быть nil.
func NewService(repo Repository, api GameAPI, feed CodeFeed, notifier notify.Notifier, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = time.Hour
	}
	if opts.MaxParallelRuns <= 0 {
		opts.MaxParallelRuns = 1
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}

	lifetime, stop := context.WithCancel(context.Background())

	return &Service{
		lifetime: lifetime,
		stop:     stop,
		repo:     repo,
		api:      api,
		feed:     feed,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		newRunID: uuid.NewString,
		runSlots: make(chan struct{}, opts.MaxParallelRuns),
	}
}

func (s *Service) acquireRun(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.runSlots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) releaseRun() {
	<-s.runSlots
}

// Close прерывает фоновые прогоны, дожидается их завершения и закрывает ресурсы сервиса.
func (s *Service) Close() error {
	s.stop()
	s.background.Wait()
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// IsAuthorized проверяет право вызывающего на ручной запуск.
func (s *Service) IsAuthorized(ctx context.Context, callerID string) (bool, error) {
	if callerID == "" {
		return false, nil
	}
	return s.repo.IsAuthorized(ctx, callerID)
}

// ListCodes возвращает известные коды.
func (s *Service) ListCodes(ctx context.Context) ([]model.GiftCode, error) {
	return s.repo.ListCodes(ctx)
}

// ListRedemptions возвращает записи журнала для кода.
func (s *Service) ListRedemptions(ctx context.Context, code string) ([]model.RedemptionRecord, error) {
	if !validation.IsValidGiftCode(code) {
		return nil, ErrInvalidCode
	}
	return s.repo.ListRedemptions(ctx, code)
}
