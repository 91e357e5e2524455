// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/giftcode-redeemer/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrInvalidOutcome возвращается при попытке записать исход вне закрытого набора.
	ErrInvalidOutcome = errors.New("invalid redemption outcome")
	// ErrAccountNotFound возвращается, если аккаунт не зарегистрирован.
	ErrAccountNotFound = errors.New("account not found")
)

const retryMax = 3

var retryBase = 1 * time.Second

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных ошибках БД с экспоненциальной паузой 1s, 2s, 4s.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(retryMax, retry.NewExponential(retryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// ListAccounts возвращает идентификаторы всех аккаунтов в стабильном порядке.
func (r *PostgresRepository) ListAccounts(ctx context.Context) ([]string, error) {
	var ids []string

	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `SELECT fid FROM accounts ORDER BY created_at, fid`)
		if err != nil {
			return fmt.Errorf("select accounts: %w", err)
		}

		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect accounts: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// GetAccounts возвращает зарегистрированные аккаунты в порядке активации.
func (r *PostgresRepository) GetAccounts(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account

	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT fid, nickname, level, created_at FROM accounts ORDER BY created_at, fid`,
		)
		if err != nil {
			return fmt.Errorf("select accounts: %w", err)
		}

		accounts, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Account, error) {
			var a model.Account
			err := row.Scan(&a.ID, &a.Nickname, &a.Level, &a.CreatedAt)
			return a, err
		})
		if err != nil {
			return fmt.Errorf("collect accounts: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return accounts, nil
}

// SaveAccount регистрирует аккаунт или обновляет его никнейм и уровень.
// Возвращает true, если аккаунт добавлен впервые.
func (r *PostgresRepository) SaveAccount(ctx context.Context, acc model.Account) (bool, error) {
	var created bool

	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO accounts (fid, nickname, level)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (fid) DO UPDATE
			 SET nickname = EXCLUDED.nickname, level = EXCLUDED.level
			 RETURNING (xmax = 0)`,
			acc.ID, acc.Nickname, acc.Level,
		).Scan(&created)
	})
	if err != nil {
		return false, fmt.Errorf("save account: %w", err)
	}

	return created, nil
}

// DeleteAccount удаляет аккаунт из списка активации. Журнал активаций сохраняется.
func (r *PostgresRepository) DeleteAccount(ctx context.Context, fid string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, `DELETE FROM accounts WHERE fid = $1`, fid)
		if err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAccountNotFound
		}
		return nil
	})
}

// IsAuthorized проверяет, что вызывающий зарегистрирован как администратор.
func (r *PostgresRepository) IsAuthorized(ctx context.Context, callerID string) (bool, error) {
	var ok bool
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM admins WHERE caller_id = $1)`,
			callerID,
		).Scan(&ok)
	})
	if err != nil {
		return false, fmt.Errorf("check admin: %w", err)
	}
	return ok, nil
}

// ListCodes возвращает известные подарочные коды, новые первыми.
func (r *PostgresRepository) ListCodes(ctx context.Context) ([]model.GiftCode, error) {
	var codes []model.GiftCode

	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT code, to_char(discovered_on, 'YYYY-MM-DD')
			 FROM gift_codes
			 ORDER BY discovered_on DESC, code`,
		)
		if err != nil {
			return fmt.Errorf("select codes: %w", err)
		}

		codes, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.GiftCode, error) {
			var c model.GiftCode
			err := row.Scan(&c.Code, &c.Date)
			return c, err
		})
		if err != nil {
			return fmt.Errorf("collect codes: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return codes, nil
}

// SyncCodes приводит набор кодов к переданному списку в одной транзакции:
// добавляет отсутствующие коды и удаляет те, которых нет в списке.
func (r *PostgresRepository) SyncCodes(ctx context.Context, codes []model.GiftCode) ([]model.GiftCode, []string, error) {
	var (
		added   []model.GiftCode
		removed []string
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		added, removed = nil, nil

		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		upstream := make([]string, 0, len(codes))
		batch := &pgx.Batch{}
		for _, c := range codes {
			upstream = append(upstream, c.Code)
			batch.Queue(
				`INSERT INTO gift_codes (code, discovered_on)
				 VALUES ($1, to_date($2, 'YYYY-MM-DD'))
				 ON CONFLICT (code) DO NOTHING`,
				c.Code, c.Date,
			)
		}

		br := tx.SendBatch(ctx, batch)
		for _, c := range codes {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("insert code %s: %w", c.Code, err)
			}
			if tag.RowsAffected() == 1 {
				added = append(added, c)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("close batch: %w", err)
		}

		rows, err := tx.Query(ctx,
			`DELETE FROM gift_codes WHERE NOT (code = ANY($1)) RETURNING code`,
			upstream,
		)
		if err != nil {
			return fmt.Errorf("delete retired codes: %w", err)
		}
		removed, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect retired codes: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return added, removed, nil
}

// GetRedemption возвращает последний известный исход для пары (аккаунт, код).
func (r *PostgresRepository) GetRedemption(ctx context.Context, fid, code string) (model.Outcome, bool, error) {
	var outcome string

	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT outcome FROM redemptions WHERE fid = $1 AND code = $2`,
			fid, code,
		).Scan(&outcome)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get redemption: %w", err)
	}

	return model.Outcome(outcome), true, nil
}

// UpsertRedemption записывает исход для пары (аккаунт, код), заменяя предыдущий.
func (r *PostgresRepository) UpsertRedemption(ctx context.Context, fid, code string, outcome model.Outcome) error {
	if !outcome.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}

	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO redemptions (fid, code, outcome, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (fid, code) DO UPDATE
			 SET outcome = EXCLUDED.outcome, updated_at = EXCLUDED.updated_at`,
			fid, code, string(outcome),
		)
		if err != nil {
			return fmt.Errorf("upsert redemption: %w", err)
		}
		return nil
	})
}

// ListRedemptions возвращает записи журнала активаций для кода.
func (r *PostgresRepository) ListRedemptions(ctx context.Context, code string) ([]model.RedemptionRecord, error) {
	var res []model.RedemptionRecord

	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT fid, code, outcome, updated_at
			 FROM redemptions
			 WHERE code = $1
			 ORDER BY updated_at DESC, fid`,
			code,
		)
		if err != nil {
			return fmt.Errorf("select redemptions: %w", err)
		}

		res, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.RedemptionRecord, error) {
			var (
				rec     model.RedemptionRecord
				outcome string
			)
			err := row.Scan(&rec.AccountID, &rec.Code, &outcome, &rec.UpdatedAt)
			rec.Outcome = model.Outcome(outcome)
			return rec, err
		})
		if err != nil {
			return fmt.Errorf("collect redemptions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}
