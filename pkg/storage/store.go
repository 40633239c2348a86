package storage

import (
	"context"
	"time"

	"github.com/opscart/kube-cost/pkg/models"
)

// DefaultHistoryLimit bounds history queries when no limit is given.
const DefaultHistoryLimit = 50

// Store persists cost records and answers history queries.
type Store interface {
	Write(ctx context.Context, records []models.CostRecord) error
	ListRecords(ctx context.Context, namespace string, limit int) ([]StoredRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// StoredRecord is a persisted CostRecord.
type StoredRecord struct {
	ID string `json:"id"`
	models.CostRecord
	CreatedAt time.Time `json:"created_at"`
}

type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return c
}
