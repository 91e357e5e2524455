// Package model содержит доменные сущности сервиса активации подарочных кодов.
package model

import "time"

// Account описывает игровой аккаунт, для которого активируются коды.
type Account struct {
	ID        string
	Nickname  string
	Level     int
	CreatedAt time.Time
}

// GiftCode описывает известный подарочный код и дату его появления.
type GiftCode struct {
	Code string
	// Date в формате YYYY-MM-DD.
	Date string
}

// Outcome описывает классифицированный результат одной попытки активации.
type Outcome string

const (
	OutcomeSuccess        Outcome = "SUCCESS"
	OutcomeAlreadyClaimed Outcome = "ALREADY_CLAIMED"
	OutcomeCodeInvalid    Outcome = "CODE_INVALID"
	OutcomeTransientError Outcome = "TRANSIENT_ERROR"
)

// Resolved сообщает, что для пары (аккаунт, код) повторные попытки не нужны.
func (o Outcome) Resolved() bool {
	return o == OutcomeSuccess || o == OutcomeAlreadyClaimed
}

// Valid проверяет принадлежность значения закрытому набору исходов.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeAlreadyClaimed, OutcomeCodeInvalid, OutcomeTransientError:
		return true
	}
	return false
}

// RedemptionRecord описывает последний известный исход активации кода для аккаунта.
type RedemptionRecord struct {
	AccountID string
	Code      string
	Outcome   Outcome
	UpdatedAt time.Time
}

// Причины досрочного завершения прогона.
const (
	AbortReasonInvalidCode = "invalid code"
	AbortReasonCanceled    = "canceled"
)

// Report содержит итоги массовой активации одного кода.
type Report struct {
	RunID       string    `json:"run_id"`
	Code        string    `json:"code"`
	Used        []string  `json:"used"`
	AlreadyUsed []string  `json:"already_used"`
	Errored     []string  `json:"errored"`
	Aborted     bool      `json:"aborted"`
	AbortReason string    `json:"abort_reason,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Processed возвращает количество аккаунтов, попавших в одну из категорий отчёта.
func (r *Report) Processed() int {
	return len(r.Used) + len(r.AlreadyUsed) + len(r.Errored)
}

// Abort помечает прогон как прерванный.
func (r *Report) Abort(reason string) {
	r.Aborted = true
	r.AbortReason = reason
}

// DiscoveryResult описывает изменения набора кодов за один прогон обнаружения.
type DiscoveryResult struct {
	Added   []GiftCode `json:"added"`
	Removed []string   `json:"removed"`
	Total   int        `json:"total"`
}
