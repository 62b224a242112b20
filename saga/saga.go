// Package saga executa uma sequência ordenada de passos locais, cada um com
// sua compensação. Se um passo falha, as compensações dos passos já
// concluídos rodam em ordem reversa.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Status string

const (
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCompensated Status = "compensated"
)

type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Step é um passo da saga. Compensate pode ser nil.
//
// Pivot marca o ponto sem retorno: concluído esse passo, os seguintes rodam
// mesmo com ctx expirado e nenhuma falha posterior dispara compensação.
type Step struct {
	Name       string
	Action     func(ctx context.Context) error
	Compensate func(ctx context.Context) error
	Pivot      bool
}

// StepRecord guarda o resultado de um passo executado.
type StepRecord struct {
	Name   string
	Status StepStatus
	Err    error
}

// Execution é o histórico de uma execução da saga.
type Execution struct {
	ID                 string
	Saga               string
	Status             Status
	Steps              []StepRecord
	FailedStep         string
	CompensationErrors []error
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Saga é uma lista ordenada e imutável de passos.
type Saga struct {
	name  string
	steps []Step
}

// New cria uma nova instância de Saga
func New(name string, steps ...Step) *Saga {
	return &Saga{name: name, steps: steps}
}

// Compensable permite que uma ação decida, pelo erro, se as compensações rodam.
// Um erro que implementa Compensable e devolve false deixa os efeitos no lugar.
type Compensable interface {
	Compensate() bool
}

// Keep embrulha err para que a saga falhe sem compensar.
func Keep(err error) error {
	if err == nil {
		return nil
	}
	return &keepError{err: err}
}

type keepError struct{ err error }

func (e *keepError) Error() string    { return e.err.Error() }
func (e *keepError) Unwrap() error    { return e.err }
func (e *keepError) Compensate() bool { return false }

func shouldCompensate(err error) bool {
	var c Compensable
	if errors.As(err, &c) {
		return c.Compensate()
	}
	return true
}

// Run executa os passos em ordem. Compensações e passos depois do pivô rodam
// num contexto desligado do cancelamento de ctx. O erro devolvido é o do passo
// que falhou.
func (s *Saga) Run(ctx context.Context, id string) (*Execution, error) {
	tracer := otel.Tracer("sdc-saga")
	ctx, span := tracer.Start(ctx, "saga."+s.name)
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", id))

	now := time.Now()
	exec := &Execution{
		ID:        id,
		Saga:      s.name,
		Status:    StatusInProgress,
		Steps:     make([]StepRecord, 0, len(s.steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}

	pivoted := false
	for i, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, exec, i, step.Name, err)
		}

		stepCtx, stepSpan := tracer.Start(ctx, "saga.step."+step.Name)
		err := step.Action(stepCtx)
		if err != nil {
			stepSpan.RecordError(err)
			stepSpan.SetStatus(codes.Error, err.Error())
		}
		stepSpan.End()

		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			if pivoted {
				err = Keep(err)
			}
			return s.fail(ctx, exec, i, step.Name, err)
		}
		exec.Steps = append(exec.Steps, StepRecord{Name: step.Name, Status: StepCompleted})
		exec.UpdatedAt = time.Now()

		if step.Pivot && !pivoted {
			pivoted = true
			ctx = context.WithoutCancel(ctx)
		}
	}

	exec.Status = StatusCompleted
	exec.UpdatedAt = time.Now()
	return exec, nil
}

func (s *Saga) fail(ctx context.Context, exec *Execution, failedIdx int, name string, err error) (*Execution, error) {
	exec.Steps = append(exec.Steps, StepRecord{Name: name, Status: StepFailed, Err: err})
	exec.FailedStep = name
	exec.Status = StatusFailed
	exec.UpdatedAt = time.Now()

	log.Warn().Err(err).Str("saga", s.name).Str("saga_id", exec.ID).Str("step", name).
		Msg("❌ Saga step failed")

	if !shouldCompensate(err) {
		return exec, err
	}

	cctx := context.WithoutCancel(ctx)
	for i := failedIdx - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}
		log.Info().Str("saga", s.name).Str("saga_id", exec.ID).Str("step", step.Name).
			Msg("↩️ Compensating saga step")
		if cerr := step.Compensate(cctx); cerr != nil {
			log.Error().Err(cerr).Str("saga", s.name).Str("step", step.Name).Msg("❌ Compensation failed")
			exec.CompensationErrors = append(exec.CompensationErrors, fmt.Errorf("compensating %s: %w", step.Name, cerr))
			continue
		}
		exec.Steps[i].Status = StepCompensated
	}

	if len(exec.CompensationErrors) == 0 {
		exec.Status = StatusCompensated
	}
	exec.UpdatedAt = time.Now()
	return exec, err
}
