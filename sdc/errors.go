package sdc

import "errors"

var (
	// ErrDuplicateIssuance já existe um SDC para o par (pedido, produto).
	ErrDuplicateIssuance = errors.New("sdc already issued for order/product")
	// ErrDigestCollision o digest já existe no sistema; invariante fatal.
	ErrDigestCollision = errors.New("sdc digest collision")
	// ErrAlreadyUsed o SDC já foi reivindicado.
	ErrAlreadyUsed = errors.New("sdc already used")
	// ErrNotRegistered o registro no ledger ainda não foi confirmado.
	ErrNotRegistered = errors.New("sdc not registered on ledger yet")
	// ErrSDCNotFound nenhum SDC para o digest ou par informado.
	ErrSDCNotFound = errors.New("sdc not found")
	// ErrAlreadyRegistered o SDC já foi registrado no ledger e não pode ser descartado.
	ErrAlreadyRegistered = errors.New("sdc already registered on ledger")
	// ErrClaimNotHeld o claim não pertence ao chamador ou já foi finalizado.
	ErrClaimNotHeld = errors.New("sdc claim not held")
	// ErrReviewExists já existe uma review para o digest.
	ErrReviewExists = errors.New("review already exists for sdc")
	// ErrReviewNotFound review inexistente.
	ErrReviewNotFound = errors.New("review not found")
	// ErrReconciliationNotFound registro de reconciliação inexistente.
	ErrReconciliationNotFound = errors.New("reconciliation record not found")
	// ErrInvalidCode o código informado não é um SDC bem formado.
	ErrInvalidCode = errors.New("invalid sdc code")
	// ErrInvalidContext o contexto de digest está incompleto.
	ErrInvalidContext = errors.New("digest context requires order and product")
)
