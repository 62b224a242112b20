package orders

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Directory é o colaborador de gestão de pedidos consultado pela emissão.
type Directory interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
}

// MemoryDirectory mantém pedidos em memória (testes e desenvolvimento local).
type MemoryDirectory struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryDirectory cria uma nova instância de MemoryDirectory
func NewMemoryDirectory(orders ...*Order) *MemoryDirectory {
	d := &MemoryDirectory{orders: make(map[string]*Order)}
	for _, o := range orders {
		d.Put(o)
	}
	return d
}

// Put grava ou substitui um pedido.
func (d *MemoryDirectory) Put(o *Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	d.orders[o.ID] = &cp
}

// UpdateStatus aplica uma transição de status validada.
func (d *MemoryDirectory) UpdateStatus(orderID string, next Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	return o.Transition(next)
}

func (d *MemoryDirectory) GetOrder(_ context.Context, orderID string) (*Order, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	return &cp, nil
}

// HTTPDirectory consulta o serviço de pedidos via HTTP.
type HTTPDirectory struct {
	client *resty.Client
}

// NewHTTPDirectory cria um cliente para GET {baseURL}/api/orders/{id}.
func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPDirectory{client: client}
}

func (d *HTTPDirectory) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", orderID).
		SetResult(&order).
		Get("/api/orders/{id}")
	if err != nil {
		return nil, fmt.Errorf("fetching order %s: %w", orderID, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return &order, nil
	case http.StatusNotFound:
		return nil, ErrOrderNotFound
	default:
		return nil, fmt.Errorf("fetching order %s: unexpected status %d", orderID, resp.StatusCode())
	}
}
