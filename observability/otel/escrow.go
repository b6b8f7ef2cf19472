package otel

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const escrowMeterName = "settlechain/escrow"

// EscrowSnapshot is the point-in-time escrow state exported as OTLP gauges.
type EscrowSnapshot struct {
	Height     uint64
	LastID     uint64
	FeeRateBps uint32
	Custody    *big.Int
}

// EscrowSource yields the snapshot read on every collection.
type EscrowSource interface {
	EscrowSnapshot() (EscrowSnapshot, error)
}

// ObserveEscrow registers escrow gauges on the global meter provider. The
// returned function unregisters them.
func ObserveEscrow(src EscrowSource) (func() error, error) {
	return observeEscrow(otel.GetMeterProvider(), src)
}

func observeEscrow(provider metric.MeterProvider, src EscrowSource) (func() error, error) {
	if src == nil {
		return nil, fmt.Errorf("escrow source required")
	}
	meter := provider.Meter(escrowMeterName)
	height, err := meter.Int64ObservableGauge("settle.chain.height",
		metric.WithDescription("Current node height."))
	if err != nil {
		return nil, err
	}
	lastID, err := meter.Int64ObservableGauge("escrow.last_id",
		metric.WithDescription("Last issued escrow identifier."))
	if err != nil {
		return nil, err
	}
	feeRate, err := meter.Int64ObservableGauge("escrow.fee_rate",
		metric.WithDescription("Current platform fee rate."),
		metric.WithUnit("{bp}"))
	if err != nil {
		return nil, err
	}
	custody, err := meter.Float64ObservableGauge("escrow.custody.balance",
		metric.WithDescription("Value held in escrow custody, in the smallest unit."))
	if err != nil {
		return nil, err
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap, err := src.EscrowSnapshot()
		if err != nil {
			return err
		}
		o.ObserveInt64(height, clampInt64(snap.Height))
		o.ObserveInt64(lastID, clampInt64(snap.LastID))
		o.ObserveInt64(feeRate, int64(snap.FeeRateBps))
		if snap.Custody != nil {
			f, _ := new(big.Float).SetInt(snap.Custody).Float64()
			o.ObserveFloat64(custody, f)
		}
		return nil
	}, height, lastID, feeRate, custody)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
