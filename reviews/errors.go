package reviews

import (
	"errors"

	"github.com/skiunel/buysewa-sub001/content"
	"github.com/skiunel/buysewa-sub001/identity"
	"github.com/skiunel/buysewa-sub001/ledger"
	"github.com/skiunel/buysewa-sub001/orders"
	"github.com/skiunel/buysewa-sub001/sdc"
)

var (
	// ErrLedgerStateConflict o ledger discorda do claim local; o claim foi desfeito.
	ErrLedgerStateConflict = errors.New("ledger state conflicts with local sdc")
	// ErrReconciliationPending a review está no ledger mas o commit local falhou.
	ErrReconciliationPending = errors.New("review committed on ledger, local commit pending reconciliation")
	// ErrInvalidReview a requisição de review não passou na validação.
	ErrInvalidReview = errors.New("invalid review request")
)

// ErrorKind é a taxonomia de erros exposta aos colaboradores.
type ErrorKind string

const (
	KindDuplicateIssuance     ErrorKind = "DuplicateIssuance"
	KindDigestCollision       ErrorKind = "DigestCollision"
	KindAlreadyRedeemed       ErrorKind = "AlreadyRedeemed"
	KindNotRegistered         ErrorKind = "NotRegistered"
	KindLedgerUnavailable     ErrorKind = "LedgerUnavailable"
	KindLedgerRejected        ErrorKind = "LedgerRejected"
	KindLedgerStateConflict   ErrorKind = "LedgerStateConflict"
	KindInvalidCode           ErrorKind = "InvalidCode"
	KindInvalidReview         ErrorKind = "InvalidReview"
	KindOrderNotDeliverable   ErrorKind = "OrderNotDeliverable"
	KindReconciliationPending ErrorKind = "ReconciliationPending"
	KindInternal              ErrorKind = "Internal"
)

// KindOf classifica err. A ordem importa: erros compostos levam o tipo mais específico.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrReconciliationPending):
		return KindReconciliationPending
	case errors.Is(err, ErrLedgerStateConflict):
		return KindLedgerStateConflict
	case errors.Is(err, sdc.ErrAlreadyUsed), errors.Is(err, sdc.ErrReviewExists):
		return KindAlreadyRedeemed
	case errors.Is(err, sdc.ErrNotRegistered):
		return KindNotRegistered
	case errors.Is(err, sdc.ErrDuplicateIssuance):
		return KindDuplicateIssuance
	case errors.Is(err, sdc.ErrDigestCollision):
		return KindDigestCollision
	case errors.Is(err, sdc.ErrInvalidCode), errors.Is(err, sdc.ErrSDCNotFound):
		return KindInvalidCode
	case errors.Is(err, ErrInvalidReview):
		return KindInvalidReview
	case errors.Is(err, ledger.ErrRejected):
		return KindLedgerRejected
	case errors.Is(err, ledger.ErrUnavailable),
		errors.Is(err, ledger.ErrConfirmationTimeout),
		errors.Is(err, content.ErrUnavailable):
		return KindLedgerUnavailable
	case errors.Is(err, orders.ErrNotDelivered),
		errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, orders.ErrProductNotInOrder),
		errors.Is(err, orders.ErrOrderOwnerMismatch),
		errors.Is(err, identity.ErrUnknownUser):
		return KindOrderNotDeliverable
	default:
		return KindInternal
	}
}
