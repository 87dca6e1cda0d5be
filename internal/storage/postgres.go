package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "kworkbot/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	// One polling loop, sequential writes.
	pcfg.MaxConns = 2

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) LoadWatermark(ctx context.Context, key string) (int64, bool, error) {
	if s == nil || s.pool == nil {
		return 0, false, ErrDisabled
	}
	var id *int64
	err := s.pool.QueryRow(ctx, `SELECT listing_id FROM watermark WHERE key = $1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if id == nil {
		return 0, false, nil
	}
	return *id, true, nil
}

func (s *postgresStore) SaveWatermark(ctx context.Context, key string, id int64) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO watermark(key, listing_id, updated_at) VALUES($1,$2,$3)
		 ON CONFLICT(key) DO UPDATE SET listing_id=excluded.listing_id, updated_at=excluded.updated_at`,
		key, id, time.Now().UTC(),
	)
	return err
}

func (s *postgresStore) ResetWatermark(ctx context.Context, key string) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM watermark WHERE key = $1`, key)
	return err
}

func (s *postgresStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var errText *string
	if strings.TrimSpace(e.Error) != "" {
		errText = &e.Error
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries(at, key, listing_id, cycle, ok, err, took_ms)
		 VALUES($1,$2,$3,$4,$5,$6,$7)`,
		e.At.UTC(), e.Key, e.ListingID, int64(e.Cycle), e.OK, errText, e.TookMS,
	)
	return err
}
