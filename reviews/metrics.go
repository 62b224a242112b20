package reviews

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	issued               metric.Int64Counter
	registrationFailures metric.Int64Counter
	redemptions          metric.Int64Counter
	claimRollbacks       metric.Int64Counter
	reconciliations      metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("sdc-reviews")
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("⚠️ Failed to create counter")
		}
		return c
	}
	return &metrics{
		issued:               counter("sdc_issued_total", "SDCs issued"),
		registrationFailures: counter("sdc_registration_failures_total", "Ledger registrations that did not complete"),
		redemptions:          counter("sdc_redemptions_total", "Redemption attempts by result"),
		claimRollbacks:       counter("sdc_claim_rollbacks_total", "Local claims released after a downstream failure"),
		reconciliations:      counter("sdc_reconciliation_records_total", "Reconciliation records written by kind"),
	}
}

func add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
