// Package sdc contém as entidades do protocolo de Secure Digital Codes (SDC):
// o código de prova de compra, a review autorizada por ele e os registros de
// reconciliação entre o store local e o ledger.
package sdc

import (
	"errors"
	"strings"
	"time"
)

// SecureDigitalCode representa um código de prova de compra resgatável uma única vez.
// O texto plano do código nunca é persistido; apenas o digest e uma dica (último grupo).
type SecureDigitalCode struct {
	Digest      string `json:"digest" db:"digest" bson:"_id"`
	UserID      string `json:"user_id" db:"user_id" bson:"user_id"`
	OrderID     string `json:"order_id" db:"order_id" bson:"order_id"`
	ProductID   string `json:"product_id" db:"product_id" bson:"product_id"`
	UserAddress string `json:"user_address,omitempty" db:"user_address" bson:"user_address"`
	CodeHint    string `json:"code_hint" db:"code_hint" bson:"code_hint"`

	IsUsed     bool       `json:"is_used" db:"is_used" bson:"is_used"`
	ClaimToken string     `json:"-" db:"claim_token" bson:"claim_token"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty" db:"claimed_at" bson:"claimed_at,omitempty"`
	ReviewRef  string     `json:"review_ref,omitempty" db:"review_ref" bson:"review_ref"`
	UsedAt     *time.Time `json:"used_at,omitempty" db:"used_at" bson:"used_at,omitempty"`

	IsRegisteredOnLedger  bool       `json:"is_registered_on_ledger" db:"is_registered" bson:"is_registered"`
	LedgerTxRef           string     `json:"ledger_tx_ref,omitempty" db:"ledger_tx_ref" bson:"ledger_tx_ref,omitempty"`
	RegisteredAt          *time.Time `json:"registered_at,omitempty" db:"registered_at" bson:"registered_at,omitempty"`
	RegistrationAttempts  int        `json:"registration_attempts" db:"registration_attempts" bson:"registration_attempts"`
	LastRegistrationError string     `json:"last_registration_error,omitempty" db:"last_registration_error" bson:"last_registration_error,omitempty"`

	IssuedAt  time.Time `json:"issued_at" db:"issued_at" bson:"issued_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at" bson:"updated_at"`
}

// NewSecureDigitalCode cria um novo SDC ainda não registrado no ledger e não utilizado.
func NewSecureDigitalCode(userID, orderID, productID, plaintextCode, digest string) *SecureDigitalCode {
	now := time.Now().UTC()
	return &SecureDigitalCode{
		Digest:    digest,
		UserID:    userID,
		OrderID:   orderID,
		ProductID: productID,
		CodeHint:  CodeHint(plaintextCode),
		IssuedAt:  now,
		UpdatedAt: now,
	}
}

// State devolve o estado de emissão do par (pedido, produto).
func (c *SecureDigitalCode) State() IssuanceState {
	if c == nil {
		return StateNotIssued
	}
	if c.IsRegisteredOnLedger {
		return StateRegistered
	}
	return StateGenerated
}

// RegistrationRejectedPrefix marca em LastRegistrationError a recusa do
// primeiro registro, antes de o código chegar ao comprador.
const RegistrationRejectedPrefix = "rejected: "

// RegistrationRejected indica um SDC cujo primeiro registro o ledger recusou.
// O texto plano nunca foi entregue, então o par pode ser reemitido.
func (c *SecureDigitalCode) RegistrationRejected() bool {
	return !c.IsRegisteredOnLedger && !c.IsUsed &&
		strings.HasPrefix(c.LastRegistrationError, RegistrationRejectedPrefix)
}

// ClaimPending indica que existe um claim local ainda sem review anexada.
func (c *SecureDigitalCode) ClaimPending() bool {
	return c.IsUsed && c.ReviewRef == ""
}

// Redeemable indica se o código pode ser reivindicado agora.
func (c *SecureDigitalCode) Redeemable() bool {
	return c.IsRegisteredOnLedger && !c.IsUsed
}

// IssuanceState representa o estado da máquina de emissão por (pedido, produto).
type IssuanceState string

const (
	StateNotIssued  IssuanceState = "not_issued"
	StateGenerated  IssuanceState = "generated"
	StateRegistered IssuanceState = "registered"
)

// Rating limits.
const (
	MinRating = 1
	MaxRating = 5
)

// Review é a avaliação de um comprador autorizada por exatamente um SDC consumido.
type Review struct {
	ID             string    `json:"id" db:"id" bson:"_id"`
	SDCDigest      string    `json:"sdc_digest" db:"sdc_digest" bson:"sdc_digest"`
	ProductID      string    `json:"product_id" db:"product_id" bson:"product_id"`
	UserID         string    `json:"user_id" db:"user_id" bson:"user_id"`
	Rating         int       `json:"rating" db:"rating" bson:"rating"`
	Comment        string    `json:"comment" db:"comment" bson:"comment"`
	ContentRef     string    `json:"content_ref" db:"content_ref" bson:"content_ref"`
	LedgerTxRef    string    `json:"ledger_tx_ref,omitempty" db:"ledger_tx_ref" bson:"ledger_tx_ref,omitempty"`
	LedgerReviewID string    `json:"ledger_review_id,omitempty" db:"ledger_review_id" bson:"ledger_review_id,omitempty"`
	Verified       bool      `json:"verified" db:"verified" bson:"verified"`
	CreatedAt      time.Time `json:"created_at" db:"created_at" bson:"created_at"`
}

// NewReview cria uma review ainda não verificada.
func NewReview(id, digest, productID, userID string, rating int, comment, contentRef string) *Review {
	return &Review{
		ID:         id,
		SDCDigest:  digest,
		ProductID:  productID,
		UserID:     userID,
		Rating:     rating,
		Comment:    comment,
		ContentRef: contentRef,
		CreatedAt:  time.Now().UTC(),
	}
}

// MarkVerified marca a review como verificada a partir da confirmação do ledger.
// É o único caminho que liga Verified; sem referência de transação não há verificação.
func (r *Review) MarkVerified(ledgerTxRef, ledgerReviewID string) error {
	if ledgerTxRef == "" || ledgerReviewID == "" {
		return errors.New("review can only be verified with a confirmed ledger reference")
	}
	r.LedgerTxRef = ledgerTxRef
	r.LedgerReviewID = ledgerReviewID
	r.Verified = true
	return nil
}

// ReconciliationKind classifica divergências entre o store local e o ledger.
type ReconciliationKind string

const (
	ReconcileLedgerStateConflict   ReconciliationKind = "ledger_state_conflict"
	ReconcileReviewTxUnconfirmed   ReconciliationKind = "review_tx_unconfirmed"
	ReconcileLocalCommitFailed     ReconciliationKind = "local_commit_failed"
	ReconcileRegistrationRejected  ReconciliationKind = "registration_rejected"
	ReconcileRegistrationExhausted ReconciliationKind = "registration_exhausted"
	ReconcileDigestCollision       ReconciliationKind = "digest_collision"
	ReconcileOrphanedClaim         ReconciliationKind = "orphaned_claim"
)

// ReconciliationStatus representa o ciclo de vida de um registro de reconciliação.
const (
	ReconciliationOpen     = "open"
	ReconciliationResolved = "resolved"
)

// ReconciliationRecord registra uma ação corretiva (ou pendente) entre store e ledger.
type ReconciliationRecord struct {
	ID          string             `json:"id" db:"id" bson:"_id"`
	Digest      string             `json:"digest" db:"digest" bson:"digest"`
	Kind        ReconciliationKind `json:"kind" db:"kind" bson:"kind"`
	Detail      string             `json:"detail" db:"detail" bson:"detail"`
	LedgerTxRef string             `json:"ledger_tx_ref,omitempty" db:"ledger_tx_ref" bson:"ledger_tx_ref,omitempty"`
	Status      string             `json:"status" db:"status" bson:"status"`
	Resolution  string             `json:"resolution,omitempty" db:"resolution" bson:"resolution,omitempty"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at" bson:"created_at"`
	ResolvedAt  *time.Time         `json:"resolved_at,omitempty" db:"resolved_at" bson:"resolved_at,omitempty"`
}

// NewReconciliationRecord cria um registro aberto.
func NewReconciliationRecord(id, digest string, kind ReconciliationKind, detail, ledgerTxRef string) *ReconciliationRecord {
	return &ReconciliationRecord{
		ID:          id,
		Digest:      digest,
		Kind:        kind,
		Detail:      detail,
		LedgerTxRef: ledgerTxRef,
		Status:      ReconciliationOpen,
		CreatedAt:   time.Now().UTC(),
	}
}
