// Package store é o sistema de registro mutável dos SDCs, reviews e registros
// de reconciliação. É o único componente que altera IsUsed e IsRegisteredOnLedger.
package store

import (
	"context"
	"time"

	"github.com/skiunel/buysewa-sub001/sdc"
)

// SDCRepository define as operações sobre Secure Digital Codes.
type SDCRepository interface {
	// Issue persiste um novo SDC. ErrDuplicateIssuance para (pedido, produto)
	// repetido; ErrDigestCollision quando o digest já existe.
	Issue(ctx context.Context, code *sdc.SecureDigitalCode) error

	// ClaimForRedemption marca atomicamente isUsed=true quando o código está
	// registrado e não usado; devolve o SDC com um ClaimToken novo.
	ClaimForRedemption(ctx context.Context, digest string) (*sdc.SecureDigitalCode, error)

	// ReleaseClaim desfaz o claim do chamador enquanto não há review anexada.
	ReleaseClaim(ctx context.Context, digest, claimToken string) error

	// MarkRegistered registra a confirmação do ledger (monotônico).
	MarkRegistered(ctx context.Context, digest, ledgerTxRef string) error

	// MarkReviewAttached finaliza o consumo do código (monotônico).
	MarkReviewAttached(ctx context.Context, digest, reviewRef string) error

	// DiscardUnregistered apaga um SDC nunca registrado nem usado, liberando o
	// par (pedido, produto). Digest inexistente é no-op; ErrAlreadyRegistered
	// quando o ledger já confirmou o registro.
	DiscardUnregistered(ctx context.Context, digest string) error

	// RecordRegistrationAttempt incrementa as tentativas e devolve o total.
	RecordRegistrationAttempt(ctx context.Context, digest, lastErr string) (int, error)

	Lookup(ctx context.Context, digest string) (*sdc.SecureDigitalCode, error)
	LookupByOrderProduct(ctx context.Context, orderID, productID string) (*sdc.SecureDigitalCode, error)
	ListForUserProduct(ctx context.Context, userID, productID string) ([]*sdc.SecureDigitalCode, error)
	ListUnregistered(ctx context.Context, issuedBefore time.Time, limit int) ([]*sdc.SecureDigitalCode, error)
	ListPendingClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]*sdc.SecureDigitalCode, error)
}

// ReviewRepository define as operações sobre reviews.
type ReviewRepository interface {
	CreateReview(ctx context.Context, review *sdc.Review) error

	// CommitReview grava a review e anexa ao SDC numa única unidade local.
	// Repetir com a mesma review é um no-op.
	CommitReview(ctx context.Context, review *sdc.Review) error

	GetReviewByDigest(ctx context.Context, digest string) (*sdc.Review, error)
	ListReviewsByProduct(ctx context.Context, productID string, limit, offset int) ([]*sdc.Review, error)
	CountReviewsByProduct(ctx context.Context, productID string) (int, error)
}

// ReconciliationRepository guarda divergências entre store e ledger.
type ReconciliationRepository interface {
	RecordReconciliation(ctx context.Context, rec *sdc.ReconciliationRecord) error
	ListOpenReconciliations(ctx context.Context, limit int) ([]*sdc.ReconciliationRecord, error)
	ResolveReconciliation(ctx context.Context, id, resolution string) error
}

// Store agrega os repositórios de um backend.
type Store interface {
	SDCRepository
	ReviewRepository
	ReconciliationRepository

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// classifyUnclaimable explica por que um claim condicional não afetou nenhuma linha.
func classifyUnclaimable(code *sdc.SecureDigitalCode) error {
	switch {
	case code.IsUsed:
		return sdc.ErrAlreadyUsed
	case !code.IsRegisteredOnLedger:
		return sdc.ErrNotRegistered
	default:
		// corrida: liberado entre o UPDATE e a leitura
		return sdc.ErrAlreadyUsed
	}
}
