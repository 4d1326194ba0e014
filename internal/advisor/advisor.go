// Package advisor queries live spot capacity and prices for a candidate
// set and selects the cheapest eligible offer. Selection is a pure query:
// it has no side effects and is safe to retry on transport failure.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dianplus/cloud-instance-github-runner/internal/cloud"
	"github.com/dianplus/cloud-instance-github-runner/internal/retry"
)

// ErrNoEligibleCandidate is returned when no (zone, instance type) pair
// survives capacity and subnet filtering. This is an expected market
// condition, distinct from a transport failure: callers alert on it
// differently.
var ErrNoEligibleCandidate = errors.New("no eligible spot candidate")

// priceLimitFactor caps the accepted price at 120% of the observed spot
// price, absorbing short-term volatility between selection and creation.
const priceLimitFactor = 1.2

// queryAttempts bounds retries of a single capacity or price query.
const queryAttempts = 3

// Offer is one eligible (zone, instance type) pair with its live price.
type Offer struct {
	Type      cloud.InstanceType
	ZoneID    string
	VSwitchID string

	// PricePerHour is the observed spot price for the whole instance.
	PricePerHour float64

	// PriceLimit is the per-hour cap passed to the creation call.
	PriceLimit float64
}

// Advisor prices candidates and picks the cheapest eligible offer.
type Advisor struct {
	api cloud.API

	// vswitches maps zone id to the VSwitch configured for that zone.
	// Zones without an entry are skipped entirely.
	vswitches map[string]string

	logger *slog.Logger
	tracer trace.Tracer
}

// New creates an Advisor. vswitches maps zone ids to VSwitch ids; a
// candidate zone with no VSwitch is never eligible.
func New(api cloud.API, vswitches map[string]string, logger *slog.Logger) *Advisor {
	return &Advisor{
		api:       api,
		vswitches: vswitches,
		logger:    logger,
		tracer:    otel.Tracer("runner/advisor"),
	}
}

// Pick queries capacity and price for every (zone, type) candidate and
// returns all eligible offers ordered best first: lowest price, ties
// broken by lexicographically smaller zone id, then by lowest CPU count
// (prefer the smallest sufficient shape).
//
// Each individual query is retried with bounded backoff; exhaustion
// surfaces the wrapped transport error. An empty eligible set after
// successful queries returns ErrNoEligibleCandidate.
func (a *Advisor) Pick(ctx context.Context, types []cloud.InstanceType, zones []string) ([]Offer, error) {
	ctx, span := a.tracer.Start(ctx, "advisor.Pick")
	defer span.End()

	span.SetAttributes(
		attribute.Int("advisor.instance_types", len(types)),
		attribute.Int("advisor.zones", len(zones)),
	)

	var offers []Offer
	for _, zone := range zones {
		vswitch, ok := a.vswitches[zone]
		if !ok || vswitch == "" {
			a.logger.Debug("zone has no vswitch configured, skipping", slog.String("zone", zone))
			continue
		}

		for _, t := range types {
			available, err := retry.Result(ctx, queryAttempts, func() (bool, error) {
				return a.api.CapacityAvailable(ctx, zone, t.ID)
			})
			if err != nil {
				return nil, fmt.Errorf("capacity query for %s in %s: %w", t.ID, zone, err)
			}
			if !available {
				a.logger.Debug("no spot capacity",
					slog.String("zone", zone),
					slog.String("type", t.ID),
				)
				continue
			}

			price, err := retry.Result(ctx, queryAttempts, func() (float64, error) {
				return a.api.SpotPrice(ctx, zone, t.ID)
			})
			if err != nil {
				return nil, fmt.Errorf("price query for %s in %s: %w", t.ID, zone, err)
			}

			offers = append(offers, Offer{
				Type:         t,
				ZoneID:       zone,
				VSwitchID:    vswitch,
				PricePerHour: price,
				PriceLimit:   price * priceLimitFactor,
			})
		}
	}

	if len(offers) == 0 {
		span.AddEvent("no eligible candidates")
		return nil, ErrNoEligibleCandidate
	}

	sort.SliceStable(offers, func(i, j int) bool {
		if offers[i].PricePerHour != offers[j].PricePerHour {
			return offers[i].PricePerHour < offers[j].PricePerHour
		}
		if offers[i].ZoneID != offers[j].ZoneID {
			return offers[i].ZoneID < offers[j].ZoneID
		}
		return offers[i].Type.CPU < offers[j].Type.CPU
	})

	best := offers[0]
	span.SetAttributes(
		attribute.String("advisor.selected_type", best.Type.ID),
		attribute.String("advisor.selected_zone", best.ZoneID),
		attribute.Float64("advisor.selected_price", best.PricePerHour),
	)

	a.logger.Info("selected spot offer",
		slog.String("type", best.Type.ID),
		slog.String("zone", best.ZoneID),
		slog.Int("cpu", best.Type.CPU),
		slog.Float64("price_per_hour", best.PricePerHour),
		slog.Float64("price_limit", best.PriceLimit),
		slog.Int("eligible", len(offers)),
	)

	return offers, nil
}
