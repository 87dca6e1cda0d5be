package storage

import (
	"context"
	"errors"
	"strings"

	logx "kworkbot/pkg/logx"
)

// Store is the persistence API used by the tracker.
//
// LoadWatermark returns ok=false when no watermark exists for key, or when the
// persisted record is malformed. Corruption is logged and recovered as "unset";
// it is never returned as an error. err is reserved for I/O failures of a
// working backend.
type Store interface {
	LoadWatermark(ctx context.Context, key string) (id int64, ok bool, err error)
	SaveWatermark(ctx context.Context, key string, id int64) error
	// ResetWatermark forgets the watermark for key. Operator action only.
	ResetWatermark(ctx context.Context, key string) error
	AppendDelivery(ctx context.Context, e DeliveryEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "file"
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	case "none":
		return nil, errors.New("storage driver \"none\" is not supported: the watermark must persist")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
