package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/giftcode-redeemer/internal/model"
)

// ErrNoFeed возвращается, если источник кодов не настроен.
var ErrNoFeed = errors.New("code feed not configured")

// RunDiscovery выполняет один прогон обнаружения: загружает внешний список,
// в одной транзакции добавляет новые коды и удаляет исчезнувшие,
// после чего уведомляет о новых кодах. Ошибка загрузки не изменяет хранилище.
func (s *Service) RunDiscovery(ctx context.Context) (*model.DiscoveryResult, error) {
	if s.feed == nil {
		return nil, ErrNoFeed
	}

	codes, err := s.feed.Fetch(ctx)
	if err != nil {
		s.opts.Metrics.ObserveDiscovery(err, 0, 0, 0)
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	added, removed, err := s.repo.SyncCodes(ctx, codes)
	if err != nil {
		s.opts.Metrics.ObserveDiscovery(err, 0, 0, 0)
		return nil, fmt.Errorf("sync codes: %w", err)
	}
	s.opts.Metrics.ObserveDiscovery(nil, len(added), len(removed), len(codes))

	for _, c := range added {
		s.notify(ctx, c)
	}
	for _, code := range removed {
		s.logger.Info("gift code retired", zap.String("code", code))
	}

	if s.opts.AutoRedeem && len(added) > 0 {
		codes := make([]string, 0, len(added))
		for _, c := range added {
			codes = append(codes, c.Code)
		}
		s.startAutoRedeem(codes)
	}

	if added == nil {
		added = []model.GiftCode{}
	}
	if removed == nil {
		removed = []string{}
	}

	return &model.DiscoveryResult{
		Added:   added,
		Removed: removed,
		Total:   len(codes),
	}, nil
}

func (s *Service) notify(ctx context.Context, c model.GiftCode) {
	if s.notifier == nil {
		return
	}

	notifyCtx, cancel := context.WithTimeout(ctx, s.opts.NotifyTimeout)
	defer cancel()

	if err := s.notifier.NotifyNewCode(notifyCtx, c.Code, c.Date); err != nil {
		s.logger.Warn("notify new code", zap.String("code", c.Code), zap.Error(err))
	}
}

// startAutoRedeem запускает активацию новых кодов в фоне. Прогон привязан к жизни сервиса,
// а не к контексту прогона обнаружения.
func (s *Service) startAutoRedeem(codes []string) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()

		if _, err := s.RunRedemptions(s.lifetime, codes); err != nil && s.lifetime.Err() == nil {
			s.logger.Error("auto redemption failed", zap.Strings("codes", codes), zap.Error(err))
		}
	}()
}

// StartDiscovery запускает периодическое обнаружение кодов и блокируется до отмены ctx.
// Первый прогон выполняется сразу.
func (s *Service) StartDiscovery(ctx context.Context) {
	if s.feed == nil {
		return
	}

	ticker := time.NewTicker(s.opts.DiscoveryInterval)
	defer ticker.Stop()

	for {
		s.discoverOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) discoverOnce(ctx context.Context) {
	res, err := s.RunDiscovery(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("code discovery failed", zap.Error(err))
		}
		return
	}

	s.logger.Info("code discovery finished",
		zap.Int("added", len(res.Added)),
		zap.Int("removed", len(res.Removed)),
		zap.Int("total", res.Total),
	)
}
