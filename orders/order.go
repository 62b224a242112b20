// Package orders modela o pedido consumido pela emissão de SDCs e o
// colaborador externo de gestão de pedidos.
package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status representa os possíveis status de um pedido
type Status string

const (
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

func (s Status) String() string {
	return string(s)
}

// PaymentStatus acompanha o pagamento; apenas informativo para a emissão.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

var allowedTransitions = map[Status]map[Status]bool{
	StatusProcessing: {
		StatusShipped:   true,
		StatusCancelled: true,
	},
	StatusShipped: {
		StatusDelivered: true,
		StatusCancelled: true,
	},
	StatusDelivered: {},
	StatusCancelled: {},
}

var (
	ErrOrderNotFound           = errors.New("order not found")
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	ErrNotDelivered            = errors.New("order is not delivered")
	ErrProductNotInOrder       = errors.New("product is not part of the order")
	ErrOrderOwnerMismatch      = errors.New("order does not belong to user")
)

// LineItem é um item do pedido com o preço congelado no momento da compra.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Order representa um pedido. Imutável após criado, exceto Status e PaymentStatus.
type Order struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Items         []LineItem    `json:"items"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewOrder cria uma nova instância de Order em processamento
func NewOrder(id, userID string, items []LineItem) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:            id,
		UserID:        userID,
		Items:         items,
		Status:        StatusProcessing,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Total soma quantidade * preço de todos os itens.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// Transition move o pedido para o próximo status, validando a máquina de estados.
// Repetir o status atual é um no-op.
func (o *Order) Transition(next Status) error {
	if o.Status == next {
		return nil
	}
	transitions, ok := allowedTransitions[o.Status]
	if !ok || !transitions[next] {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidStatusTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// HasProduct indica se o produto faz parte dos itens do pedido.
func (o *Order) HasProduct(productID string) bool {
	for _, item := range o.Items {
		if item.ProductID == productID {
			return true
		}
	}
	return false
}

// CheckIssuable valida que o pedido pode originar um SDC para (usuário, produto).
func (o *Order) CheckIssuable(userID, productID string) error {
	if o.Status != StatusDelivered {
		return fmt.Errorf("%w: status %s", ErrNotDelivered, o.Status)
	}
	if userID != "" && o.UserID != userID {
		return ErrOrderOwnerMismatch
	}
	if !o.HasProduct(productID) {
		return ErrProductNotInOrder
	}
	return nil
}
