package main

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CreateDTMMsgSpan cria um span para a submissão de uma mensagem do DTM
func CreateDTMMsgSpan(ctx context.Context, operationName string, gid string) (context.Context, trace.Span) {
	tracer := otel.Tracer("dtm-msg")
	ctx, span := tracer.Start(ctx, "dtm."+operationName)

	span.SetAttributes(
		attribute.String("dtm.gid", gid),
		attribute.String("dtm.operation", operationName),
		attribute.String("component", "dtm-coordinator"),
	)

	return ctx, span
}

// CreateDTMBranchSpan cria um span para a execução de uma branch chamada pelo DTM
func CreateDTMBranchSpan(ctx context.Context, branchName string, gid string) (context.Context, trace.Span) {
	tracer := otel.Tracer("dtm-msg")
	ctx, span := tracer.Start(ctx, "dtm.branch."+branchName)

	span.SetAttributes(
		attribute.String("dtm.gid", gid),
		attribute.String("dtm.branch.name", branchName),
		attribute.String("component", "dtm-participant"),
	)

	return ctx, span
}
