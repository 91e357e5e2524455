package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/giftcode-redeemer/internal/model"
	"github.com/mmeshcher/giftcode-redeemer/internal/validation"
)

var (
	// ErrInvalidAccountID возвращается для идентификатора аккаунта недопустимого формата.
	ErrInvalidAccountID = errors.New("invalid account id format")
	// ErrAccountLookup возвращается, если игровой API не подтвердил аккаунт.
	ErrAccountLookup = errors.New("account lookup failed")
)

// AccountStore управляет списком аккаунтов для активации.
type AccountStore interface {
	GetAccounts(ctx context.Context) ([]model.Account, error)
	SaveAccount(ctx context.Context, acc model.Account) (bool, error)
	DeleteAccount(ctx context.Context, fid string) error
}

// RegisterAccount проверяет аккаунт через игровой API и добавляет его в список активации.
// Для уже зарегистрированного аккаунта обновляются никнейм и уровень.
func (s *Service) RegisterAccount(ctx context.Context, callerID, fid string) (*model.Account, bool, error) {
	if err := s.authorize(ctx, callerID); err != nil {
		return nil, false, err
	}
	if !validation.IsValidAccountID(fid) {
		return nil, false, ErrInvalidAccountID
	}

	info, err := s.api.FetchAccountInfo(ctx, fid)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrAccountLookup, err)
	}

	acc := model.Account{
		ID:       fid,
		Nickname: info.Nickname,
		Level:    info.Level,
	}

	created, err := s.repo.SaveAccount(ctx, acc)
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("account registered",
		zap.String("fid", fid),
		zap.String("nickname", acc.Nickname),
		zap.Bool("created", created),
	)

	return &acc, created, nil
}

// RemoveAccount исключает аккаунт из будущих прогонов.
func (s *Service) RemoveAccount(ctx context.Context, callerID, fid string) error {
	if err := s.authorize(ctx, callerID); err != nil {
		return err
	}
	if !validation.IsValidAccountID(fid) {
		return ErrInvalidAccountID
	}

	return s.repo.DeleteAccount(ctx, fid)
}

// GetAccounts возвращает зарегистрированные аккаунты.
func (s *Service) GetAccounts(ctx context.Context) ([]model.Account, error) {
	return s.repo.GetAccounts(ctx)
}

func (s *Service) authorize(ctx context.Context, callerID string) error {
	ok, err := s.IsAuthorized(ctx, callerID)
	if err != nil {
		return fmt.Errorf("check authorization: %w", err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}
