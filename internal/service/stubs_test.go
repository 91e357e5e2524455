package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mmeshcher/giftcode-redeemer/internal/gameapi"
	"github.com/mmeshcher/giftcode-redeemer/internal/model"
	"github.com/mmeshcher/giftcode-redeemer/internal/repository"
)

type ledgerKey struct {
	fid  string
	code string
}

type stubRepo struct {
	mu sync.Mutex

	accounts    []string
	accountsErr error

	admins    map[string]bool
	gateCalls int

	ledger   map[ledgerKey]model.Outcome
	writes   []ledgerKey
	writeErr error

	codes   map[string]string
	syncErr error

	registered map[string]model.Account
}

func newStubRepo(accounts ...string) *stubRepo {
	return &stubRepo{
		accounts: accounts,
		admins:   map[string]bool{},
		ledger:   map[ledgerKey]model.Outcome{},
		codes:    map[string]string{},

		registered: map[string]model.Account{},
	}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) ListAccounts(ctx context.Context) ([]string, error) {
	return s.accounts, s.accountsErr
}

func (s *stubRepo) GetAccounts(ctx context.Context) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]model.Account, 0, len(s.registered))
	for _, a := range s.registered {
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *stubRepo) SaveAccount(ctx context.Context, acc model.Account) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.registered[acc.ID]
	s.registered[acc.ID] = acc
	return !exists, nil
}

func (s *stubRepo) DeleteAccount(ctx context.Context, fid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registered[fid]; !ok {
		return repository.ErrAccountNotFound
	}
	delete(s.registered, fid)
	return nil
}

func (s *stubRepo) IsAuthorized(ctx context.Context, callerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateCalls++
	return s.admins[callerID], nil
}

func (s *stubRepo) GetRedemption(ctx context.Context, fid, code string) (model.Outcome, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.ledger[ledgerKey{fid, code}]
	return o, ok, nil
}

func (s *stubRepo) UpsertRedemption(ctx context.Context, fid, code string, outcome model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.ledger[ledgerKey{fid, code}] = outcome
	s.writes = append(s.writes, ledgerKey{fid, code})
	return nil
}

func (s *stubRepo) ListRedemptions(ctx context.Context, code string) ([]model.RedemptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []model.RedemptionRecord
	for k, o := range s.ledger {
		if k.code == code {
			res = append(res, model.RedemptionRecord{AccountID: k.fid, Code: k.code, Outcome: o})
		}
	}
	return res, nil
}

func (s *stubRepo) ListCodes(ctx context.Context) ([]model.GiftCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]model.GiftCode, 0, len(s.codes))
	for c, d := range s.codes {
		res = append(res, model.GiftCode{Code: c, Date: d})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res, nil
}

func (s *stubRepo) SyncCodes(ctx context.Context, codes []model.GiftCode) ([]model.GiftCode, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncErr != nil {
		return nil, nil, s.syncErr
	}

	upstream := make(map[string]struct{}, len(codes))
	var added []model.GiftCode
	for _, c := range codes {
		upstream[c.Code] = struct{}{}
		if _, ok := s.codes[c.Code]; !ok {
			s.codes[c.Code] = c.Date
			added = append(added, c)
		}
	}

	var removed []string
	for c := range s.codes {
		if _, ok := upstream[c]; !ok {
			delete(s.codes, c)
			removed = append(removed, c)
		}
	}
	sort.Strings(removed)

	return added, removed, nil
}

func (s *stubRepo) hasWrite(fid, code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.writes {
		if w.fid == fid && w.code == code {
			return true
		}
	}
	return false
}

var errLookupFailed = errors.New("lookup failed")

type stubAPI struct {
	mu sync.Mutex

	// outcomes задаёт исход активации для аккаунта; по умолчанию Success.
	outcomes   map[string]model.Outcome
	lookupErrs map[string]error

	lookups map[string]int
	redeems map[string]int

	// onLookup вызывается перед каждым запросом аккаунта.
	onLookup func(fid string)
}

func newStubAPI() *stubAPI {
	return &stubAPI{
		outcomes:   map[string]model.Outcome{},
		lookupErrs: map[string]error{},
		lookups:    map[string]int{},
		redeems:    map[string]int{},
	}
}

func (s *stubAPI) FetchAccountInfo(ctx context.Context, fid string) (*gameapi.AccountInfo, error) {
	if s.onLookup != nil {
		s.onLookup(fid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups[fid]++
	if err := s.lookupErrs[fid]; err != nil {
		return nil, err
	}
	return &gameapi.AccountInfo{FID: fid, Nickname: "player-" + fid, Level: 30}, nil
}

func (s *stubAPI) RedeemCode(ctx context.Context, info *gameapi.AccountInfo, code string) (model.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redeems[info.FID+"/"+code]++
	outcome, ok := s.outcomes[info.FID]
	if !ok {
		return model.OutcomeSuccess, nil
	}
	if outcome == model.OutcomeTransientError {
		return outcome, gameapi.ErrProtocol
	}
	return outcome, nil
}

func (s *stubAPI) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.lookups {
		n += v
	}
	for _, v := range s.redeems {
		n += v
	}
	return n
}

type stubFeed struct {
	codes []model.GiftCode
	err   error
}

func (s *stubFeed) Fetch(ctx context.Context) ([]model.GiftCode, error) {
	return s.codes, s.err
}

type notification struct {
	code string
	date string
}

type stubNotifier struct {
	mu    sync.Mutex
	calls []notification
	err   error
}

func (s *stubNotifier) NotifyNewCode(ctx context.Context, code, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, notification{code, date})
	return s.err
}
