package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/settle/pkg/billing"
)

// ErrImmutablePlan is returned when the file changes the terms of a plan
// that already exists in the store
var ErrImmutablePlan = errors.New("existing plan cannot change price, currency or interval")

var validate = validator.New(validator.WithRequiredStructEnabled())

// File is the on-disk catalog layout
type File struct {
	Plans []Entry `yaml:"plans" validate:"required,min=1,dive"`
}

// Entry is one plan as written in the catalog file. Price is kept as a
// string so YAML never rounds it through a float.
type Entry struct {
	Code     string           `yaml:"code" validate:"required,max=64"`
	Name     string           `yaml:"name" validate:"required"`
	Price    string           `yaml:"price" validate:"required"`
	Currency string           `yaml:"currency" validate:"required,len=3,uppercase"`
	Interval string           `yaml:"interval" validate:"required,oneof=month year"`
	Limits   map[string]int64 `yaml:"limits,omitempty"`
}

// Store is the part of billing.Store the catalog writes through
type Store interface {
	GetPlan(ctx context.Context, code string) (*billing.Plan, error)
	CreatePlan(ctx context.Context, plan *billing.Plan) (bool, error)
}

// SyncResult lists what a sync did
type SyncResult struct {
	Created   []string
	Unchanged []string
}

// Load reads and parses the catalog file at path
func Load(path string) ([]*billing.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document
func Parse(data []byte) ([]*billing.Plan, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := validate.Struct(file); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Plans))
	plans := make([]*billing.Plan, 0, len(file.Plans))
	for _, e := range file.Plans {
		if seen[e.Code] {
			return nil, fmt.Errorf("invalid catalog: duplicate plan code %q", e.Code)
		}
		seen[e.Code] = true

		price, err := decimal.NewFromString(strings.TrimSpace(e.Price))
		if err != nil {
			return nil, fmt.Errorf("invalid catalog: plan %q price %q: %w", e.Code, e.Price, err)
		}
		if price.IsNegative() || !price.Equal(price.Round(2)) {
			return nil, fmt.Errorf("invalid catalog: plan %q price must be non-negative with at most 2 decimals", e.Code)
		}

		plans = append(plans, &billing.Plan{
			Code:     e.Code,
			Name:     e.Name,
			Price:    price,
			Currency: e.Currency,
			Interval: billing.BillingInterval(e.Interval),
			Limits:   e.Limits,
		})
	}
	return plans, nil
}

// Sync inserts plans whose codes are new. Nothing is written if any
// existing plan would change terms.
func Sync(ctx context.Context, store Store, plans []*billing.Plan) (SyncResult, error) {
	var (
		result  SyncResult
		missing []*billing.Plan
		errs    []error
	)
	for _, p := range plans {
		existing, err := store.GetPlan(ctx, p.Code)
		switch {
		case errors.Is(err, billing.ErrPlanNotFound):
			missing = append(missing, p)
		case err != nil:
			return result, fmt.Errorf("failed to load plan %q: %w", p.Code, err)
		case !sameTerms(existing, p):
			errs = append(errs, fmt.Errorf("%w: plan %q is %s %s/%s, catalog has %s %s/%s", ErrImmutablePlan, p.Code,
				existing.Price.StringFixed(2), existing.Currency, existing.Interval,
				p.Price.StringFixed(2), p.Currency, p.Interval))
		default:
			result.Unchanged = append(result.Unchanged, p.Code)
		}
	}
	if len(errs) > 0 {
		return SyncResult{}, errors.Join(errs...)
	}

	for _, p := range missing {
		created, err := store.CreatePlan(ctx, p)
		if err != nil {
			return result, fmt.Errorf("failed to create plan %q: %w", p.Code, err)
		}
		if created {
			result.Created = append(result.Created, p.Code)
		} else {
			result.Unchanged = append(result.Unchanged, p.Code)
		}
	}
	return result, nil
}

func sameTerms(a, b *billing.Plan) bool {
	return a.Price.Equal(b.Price) && a.Currency == b.Currency && a.Interval == b.Interval
}
