// Package ledger é o adaptador para o ledger append-only onde digests de SDC
// e reviews verificadas são registrados. A cadeia concreta é plugável via Backend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

var (
	// ErrUnavailable falha transitória; a operação pode ser repetida.
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrRejected a regra do contrato recusou a transação; não repetir.
	ErrRejected = errors.New("ledger rejected transaction")
	// ErrConfirmationTimeout a transação foi enviada mas não confirmou a tempo.
	ErrConfirmationTimeout = errors.New("ledger confirmation timeout")
	// ErrTxNotFound o backend não conhece a transação.
	ErrTxNotFound = errors.New("ledger transaction not found")
)

// RejectedError carrega o motivo da recusa.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRejected, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Reject cria um erro de recusa com motivo.
func Reject(reason string) error {
	return &RejectedError{Reason: reason}
}

// ConfirmationTimeoutError carrega a referência da transação pendente.
type ConfirmationTimeoutError struct {
	TxRef TxRef
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("%s: tx %s", ErrConfirmationTimeout, e.TxRef)
}

func (e *ConfirmationTimeoutError) Is(target error) bool {
	return target == ErrConfirmationTimeout
}

// PendingTx extrai a referência pendente de um erro de timeout de confirmação.
func PendingTx(err error) (TxRef, bool) {
	var timeout *ConfirmationTimeoutError
	if errors.As(err, &timeout) {
		return timeout.TxRef, true
	}
	return "", false
}

// TxRef identifica uma transação no ledger (hash 0x).
type TxRef string

func (r TxRef) String() string {
	return string(r)
}

// TxStatus é o resultado de execução de uma transação.
type TxStatus string

const (
	TxPending  TxStatus = "pending"
	TxIncluded TxStatus = "included"
	TxFailed   TxStatus = "failed"
)

// DigestState é a visão do ledger para um digest.
type DigestState struct {
	Digest         string `json:"digest"`
	IsRegistered   bool   `json:"is_registered"`
	IsUsed         bool   `json:"is_used"`
	ProductID      string `json:"product_id,omitempty"`
	OrderID        string `json:"order_id,omitempty"`
	UserAddress    string `json:"user_address,omitempty"`
	RegistrationTx TxRef  `json:"registration_tx,omitempty"`
	ReviewTx       TxRef  `json:"review_tx,omitempty"`
	LedgerReviewID string `json:"ledger_review_id,omitempty"`
}

// SameBinding indica se o registro existente corresponde à mesma vinculação.
func (s *DigestState) SameBinding(userAddress, productID, orderID string) bool {
	if s.UserAddress != userAddress || s.ProductID != productID {
		return false
	}
	return s.OrderID == "" || orderID == "" || s.OrderID == orderID
}

// ReviewReceipt é devolvido quando a review foi confirmada.
type ReviewReceipt struct {
	TxRef          TxRef  `json:"tx_ref"`
	LedgerReviewID string `json:"ledger_review_id"`
	BlockNumber    uint64 `json:"block_number"`
	Confirmations  uint64 `json:"confirmations"`
}

// ConfirmedReview é uma review lida do ledger.
type ConfirmedReview struct {
	LedgerReviewID string    `json:"ledger_review_id"`
	Digest         string    `json:"digest"`
	ProductID      string    `json:"product_id"`
	UserAddress    string    `json:"user_address"`
	ContentRef     string    `json:"content_ref"`
	Rating         int       `json:"rating"`
	TxRef          TxRef     `json:"tx_ref"`
	BlockNumber    uint64    `json:"block_number"`
	Timestamp      time.Time `json:"timestamp"`
}

// Registration é a chamada registerSDC do contrato.
type Registration struct {
	Digest      string `json:"digest"`
	UserAddress string `json:"user_address"`
	ProductID   string `json:"product_id"`
	OrderID     string `json:"order_id"`
}

// ReviewSubmission é a chamada submitReview do contrato.
type ReviewSubmission struct {
	Digest     string `json:"digest"`
	ProductID  string `json:"product_id"`
	ContentRef string `json:"content_ref"`
	Rating     int    `json:"rating"`
}

// Receipt é o recibo de uma transação enviada.
type Receipt struct {
	TxRef          TxRef    `json:"tx_ref"`
	Status         TxStatus `json:"status"`
	BlockNumber    uint64   `json:"block_number"`
	Reason         string   `json:"reason,omitempty"`
	LedgerReviewID string   `json:"ledger_review_id,omitempty"`
}

// Ledger é a capacidade consumida pelos serviços de emissão e resgate.
type Ledger interface {
	// RegisterDigest registra o digest; idempotente para a mesma vinculação.
	RegisterDigest(ctx context.Context, digest, userAddress, productID, orderID string) (TxRef, error)

	// IsDigestRegistered consulta se o digest já foi registrado.
	IsDigestRegistered(ctx context.Context, digest string) (bool, error)

	// VerifyDigest devolve o estado do digest no ledger.
	VerifyDigest(ctx context.Context, digest string) (*DigestState, error)

	// SubmitReview registra a review e aguarda confirmação.
	SubmitReview(ctx context.Context, digest, productID, contentRef string, rating int) (*ReviewReceipt, error)

	// ReviewsForProduct percorre as reviews confirmadas de um produto, paginando sob demanda.
	ReviewsForProduct(ctx context.Context, productID string) iter.Seq2[ConfirmedReview, error]
}

// Backend é a cadeia plugável por trás do Adapter.
// Erros transitórios devem envolver ErrUnavailable; recusas de contrato, ErrRejected.
type Backend interface {
	SubmitRegistration(ctx context.Context, reg Registration) (TxRef, error)
	SubmitReview(ctx context.Context, sub ReviewSubmission) (TxRef, error)
	Receipt(ctx context.Context, tx TxRef) (*Receipt, error)
	DigestState(ctx context.Context, digest string) (*DigestState, error)
	ReviewsPage(ctx context.Context, productID string, offset, limit int) ([]ConfirmedReview, error)
	Head(ctx context.Context) (uint64, error)
	Close() error
}
