package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opscart/kube-cost/pkg/models"
)

var (
	// ErrPriceUnavailable means the catalog has no SKU for the query. It is
	// permanent for that key until the catalog changes.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrPriceSource means the pricing source failed transiently (network, throttling).
	ErrPriceSource = errors.New("price source error")
)

// Query selects one instance offer in the catalog.
type Query struct {
	InstanceType    string
	Region          string
	OperatingSystem string

	// Capacity hints taken from the node; used by catalogs that do not
	// publish instance sizes.
	VCPU      float64
	MemoryGiB float64
}

func (q Query) key() string {
	return strings.ToLower(fmt.Sprintf("%s|%s|%s", q.InstanceType, q.Region, q.os()))
}

func (q Query) os() string {
	if q.OperatingSystem == "" {
		return "Linux"
	}
	return q.OperatingSystem
}

// InstanceOffer is the on-demand hourly price of a whole instance.
type InstanceOffer struct {
	InstanceType    string
	Region          string
	OperatingSystem string
	HourlyPrice     float64
	VCPU            float64
	MemoryGiB       float64

	// Set by sources that relay an already cached value (e.g. a remote pricing server).
	FetchedAt time.Time
	Stale     bool
}

// Source is an upstream pricing catalog.
type Source interface {
	Offer(ctx context.Context, q Query) (InstanceOffer, error)
	Name() string
}

// Resolver answers "hourly price of capacity unit kind on this instance type in this region".
type Resolver interface {
	GetPrice(ctx context.Context, kind models.ResourceKind, q Query) (models.CapacityPrice, error)
}

// Quote is a resolved offer together with the derived unit prices.
type Quote struct {
	Offer  InstanceOffer
	CPU    models.CapacityPrice
	Memory models.CapacityPrice
}

// Price returns the unit price for kind.
func (q Quote) Price(kind models.ResourceKind) (models.CapacityPrice, error) {
	switch kind {
	case models.ResourceCPU:
		return q.CPU, nil
	case models.ResourceMemory:
		return q.Memory, nil
	default:
		return models.CapacityPrice{}, fmt.Errorf("%w: unknown resource kind %q", ErrPriceUnavailable, kind)
	}
}

// Config selects and tunes the pricing source.
type Config struct {
	Mode           string // aws, azure, remote, static, auto
	Region         string
	Endpoint       string // pricing-server base URL for remote mode
	Split          SplitPolicy
	CacheTTL       time.Duration
	NegativeTTL    time.Duration
	StaleRetention time.Duration
	MaxRetries     uint64
	RequestsPerSec float64
	Burst          int
	CallTimeout    time.Duration
	StaticPrices   map[string]float64 // instance type -> hourly price
	DefaultCPU     float64            // $/vCPU-hour for instance types missing from StaticPrices
	DefaultMemory  float64            // $/GiB-hour for instance types missing from StaticPrices
}
