package main

import (
	"context"
	"fmt"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// RegisterBranchRequest é o payload que o DTM reentrega em /api/sdc/register.
type RegisterBranchRequest struct {
	Digest string `json:"digest" binding:"required"`
	// Propagação manual do trace (o DTM não propaga os headers W3C)
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// DTMRegistrationScheduler agenda o registro no ledger como uma mensagem
// transacional do DTM: o coordenador repete a branch até ela responder 200
// ou 409.
type DTMRegistrationScheduler struct {
	server     string
	serviceURL string
}

// NewDTMRegistrationScheduler cria uma nova instância do agendador
func NewDTMRegistrationScheduler(server, serviceURL string) *DTMRegistrationScheduler {
	return &DTMRegistrationScheduler{server: server, serviceURL: serviceURL}
}

// Schedule submete uma mensagem com gid derivado do digest. Reagendar o mesmo
// digest reaproveita o gid e o DTM recusa a duplicata.
func (s *DTMRegistrationScheduler) Schedule(ctx context.Context, digest string) error {
	gid := registrationGID(digest)

	var traceID, spanID string
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		spanID = span.SpanContext().SpanID().String()
	}

	_, span := CreateDTMMsgSpan(ctx, "register_sdc", gid)
	defer span.End()

	msg := dtmcli.NewMsg(s.server, gid).
		Add(s.serviceURL+"/api/sdc/register", &RegisterBranchRequest{
			Digest:  digest,
			TraceID: traceID,
			SpanID:  spanID,
		})

	if err := msg.Submit(); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("gid", gid).Str("digest", digest).Msg("❌ failed to schedule ledger registration")
		return fmt.Errorf("scheduling registration: %w", err)
	}

	log.Info().Str("gid", gid).Str("digest", digest).Msg("📨 ledger registration scheduled")
	return nil
}

func registrationGID(digest string) string {
	return "sdc-register-" + digest
}

// startSpanFromPayload cria um span filho ligado ao trace propagado no payload.
func startSpanFromPayload(ctx context.Context, operationName string, req RegisterBranchRequest) (context.Context, trace.Span) {
	if req.TraceID != "" && req.SpanID != "" {
		parsedTraceID, _ := trace.TraceIDFromHex(req.TraceID)
		parsedSpanID, _ := trace.SpanIDFromHex(req.SpanID)

		spanContext := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    parsedTraceID,
			SpanID:     parsedSpanID,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		})
		ctx = trace.ContextWithSpanContext(ctx, spanContext)
	}

	return otel.Tracer("sdc-reviews").Start(ctx, operationName)
}
