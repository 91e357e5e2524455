package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/giftcode-redeemer/internal/gameapi"
	"github.com/mmeshcher/giftcode-redeemer/internal/model"
	"github.com/mmeshcher/giftcode-redeemer/internal/validation"
)

const outcomeSkipped = "SKIPPED"

// RunRedemption активирует код для аккаунтов в переданном порядке и всегда возвращает отчёт.
//
// Аккаунты с исходом Success или AlreadyClaimed в журнале пропускаются без обращения к API.
// Исход CodeInvalid прерывает прогон без записи в журнал для текущего аккаунта.
// Отмена ctx проверяется только между аккаунтами.
func (s *Service) RunRedemption(ctx context.Context, code string, accounts []string) *model.Report {
	report := &model.Report{
		RunID:       s.newRunID(),
		Code:        code,
		Used:        []string{},
		AlreadyUsed: []string{},
		Errored:     []string{},
		StartedAt:   s.now(),
	}

	logger := s.logger.With(zap.String("run_id", report.RunID), zap.String("code", code))
	logger.Info("redemption run started", zap.Int("accounts", len(accounts)))

	for _, fid := range accounts {
		if ctx.Err() != nil {
			report.Abort(model.AbortReasonCanceled)
			break
		}

		outcome, skipped, err := s.redeemAccount(ctx, code, fid)
		if skipped {
			s.opts.Metrics.ObserveOutcome(outcomeSkipped)
			report.AlreadyUsed = append(report.AlreadyUsed, fid)
			continue
		}
		s.opts.Metrics.ObserveOutcome(string(outcome))

		switch {
		case outcome == model.OutcomeCodeInvalid:
			logger.Warn("code rejected by game API, aborting run", zap.String("fid", fid))
			report.Abort(model.AbortReasonInvalidCode)
		case err != nil:
			logger.Warn("redemption failed", zap.String("fid", fid), zap.Error(err))
			report.Errored = append(report.Errored, fid)
		case outcome == model.OutcomeSuccess:
			report.Used = append(report.Used, fid)
		case outcome == model.OutcomeAlreadyClaimed:
			report.AlreadyUsed = append(report.AlreadyUsed, fid)
		default:
			report.Errored = append(report.Errored, fid)
		}

		if report.Aborted {
			break
		}
	}

	report.FinishedAt = s.now()

	result := "completed"
	if report.Aborted {
		result = report.AbortReason
	}
	s.opts.Metrics.ObserveRun(result)

	logger.Info("redemption run finished",
		zap.Int("processed", report.Processed()),
		zap.Int("used", len(report.Used)),
		zap.Int("already_used", len(report.AlreadyUsed)),
		zap.Int("errored", len(report.Errored)),
		zap.Bool("aborted", report.Aborted),
		zap.String("abort_reason", report.AbortReason),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)

	return report
}

// redeemAccount обрабатывает один аккаунт. Сетевые вызовы не прерываются отменой
// родительского контекста, чтобы запись в журнал была либо выполнена, либо не начата.
// Отмена прерывает только паузы после 429, когда запрос не выполняется.
func (s *Service) redeemAccount(parent context.Context, code, fid string) (model.Outcome, bool, error) {
	ctx := gameapi.WithInterrupt(context.WithoutCancel(parent), parent.Done())
	if s.opts.AccountTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.AccountTimeout)
		defer cancel()
	}

	prev, found, err := s.repo.GetRedemption(ctx, fid, code)
	if err != nil {
		return model.OutcomeTransientError, false, fmt.Errorf("read ledger: %w", err)
	}
	if found && prev.Resolved() {
		return prev, true, nil
	}

	info, err := s.api.FetchAccountInfo(ctx, fid)
	if err != nil {
		s.recordTransient(ctx, fid, code)
		return model.OutcomeTransientError, false, fmt.Errorf("fetch account: %w", err)
	}

	outcome, err := s.api.RedeemCode(ctx, info, code)
	switch {
	case outcome == model.OutcomeCodeInvalid:
		return outcome, false, nil
	case err != nil || !outcome.Resolved():
		s.recordTransient(ctx, fid, code)
		if err == nil {
			err = fmt.Errorf("unexpected outcome %s", outcome)
		}
		return model.OutcomeTransientError, false, fmt.Errorf("redeem code: %w", err)
	}

	if err := s.repo.UpsertRedemption(ctx, fid, code, outcome); err != nil {
		return outcome, false, fmt.Errorf("write ledger: %w", err)
	}

	return outcome, false, nil
}

// recordTransient фиксирует неудачную попытку. Ошибка записи только логируется:
// такой исход не считается разрешённым и не влияет на идемпотентность.
func (s *Service) recordTransient(ctx context.Context, fid, code string) {
	if err := s.repo.UpsertRedemption(ctx, fid, code, model.OutcomeTransientError); err != nil {
		s.logger.Warn("record transient outcome", zap.String("fid", fid), zap.String("code", code), zap.Error(err))
	}
}

// RunRedemptionForAll активирует код для всех аккаунтов из источника.
func (s *Service) RunRedemptionForAll(ctx context.Context, code string) (*model.Report, error) {
	if !validation.IsValidGiftCode(code) {
		return nil, ErrInvalidCode
	}

	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	if err := s.acquireRun(ctx); err != nil {
		return nil, fmt.Errorf("wait for run slot: %w", err)
	}
	defer s.releaseRun()

	return s.RunRedemption(ctx, code, accounts), nil
}

// RunAuthorized проверяет право вызывающего один раз и запускает активацию для всех аккаунтов.
func (s *Service) RunAuthorized(ctx context.Context, callerID, code string) (*model.Report, error) {
	if err := s.authorize(ctx, callerID); err != nil {
		return nil, err
	}

	return s.RunRedemptionForAll(ctx, code)
}

// RunRedemptions активирует несколько кодов параллельно, не более MaxParallelRuns одновременно
// с учётом прогонов, запущенных через другие точки входа. Отчёты возвращаются в порядке кодов.
// Если ctx отменён до начала прогона кода, его отчёт остаётся nil и возвращается ошибка.
func (s *Service) RunRedemptions(ctx context.Context, codes []string) ([]*model.Report, error) {
	for _, code := range codes {
		if !validation.IsValidGiftCode(code) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCode, code)
		}
	}

	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	reports := make([]*model.Report, len(codes))

	var g errgroup.Group
	g.SetLimit(s.opts.MaxParallelRuns)

	for i, code := range codes {
		i, code := i, code
		g.Go(func() error {
			if err := s.acquireRun(ctx); err != nil {
				return fmt.Errorf("wait for run slot %s: %w", code, err)
			}
			defer s.releaseRun()

			reports[i] = s.RunRedemption(ctx, code, accounts)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return reports, err
	}

	return reports, nil
}
