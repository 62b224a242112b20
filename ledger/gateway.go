package ledger

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// GatewayBackend fala com um gateway REST que encapsula o contrato de reviews.
type GatewayBackend struct {
	client *resty.Client
}

type gatewayError struct {
	Error string `json:"error"`
}

type submitResponse struct {
	TxRef TxRef `json:"tx_ref"`
}

type headResponse struct {
	BlockNumber uint64 `json:"block_number"`
}

type reviewsResponse struct {
	Reviews []ConfirmedReview `json:"reviews"`
}

// NewGatewayBackend cria um cliente para o gateway; apiKey vazio omite o header.
func NewGatewayBackend(baseURL, apiKey string, timeout time.Duration) *GatewayBackend {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetError(&gatewayError{})
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &GatewayBackend{client: client}
}

// classify traduz a resposta HTTP para a taxonomia do adaptador.
func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	if resp.IsSuccess() {
		return nil
	}
	reason := resp.Status()
	if e, ok := resp.Error().(*gatewayError); ok && e.Error != "" {
		reason = e.Error
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrTxNotFound, op)
	case code == http.StatusConflict || code == http.StatusUnprocessableEntity || code == http.StatusBadRequest:
		return Reject(reason)
	default:
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, op, reason)
	}
}

func (g *GatewayBackend) SubmitRegistration(ctx context.Context, reg Registration) (TxRef, error) {
	var out submitResponse
	resp, err := g.client.R().SetContext(ctx).SetBody(reg).SetResult(&out).Post("/v1/sdc/register")
	if err := classify("register", resp, err); err != nil {
		return "", err
	}
	return out.TxRef, nil
}

func (g *GatewayBackend) SubmitReview(ctx context.Context, sub ReviewSubmission) (TxRef, error) {
	var out submitResponse
	resp, err := g.client.R().SetContext(ctx).SetBody(sub).SetResult(&out).Post("/v1/reviews")
	if err := classify("submit review", resp, err); err != nil {
		return "", err
	}
	return out.TxRef, nil
}

func (g *GatewayBackend) Receipt(ctx context.Context, tx TxRef) (*Receipt, error) {
	var out Receipt
	resp, err := g.client.R().SetContext(ctx).SetPathParam("ref", tx.String()).SetResult(&out).Get("/v1/tx/{ref}")
	if err := classify("receipt", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *GatewayBackend) DigestState(ctx context.Context, digest string) (*DigestState, error) {
	var out DigestState
	resp, err := g.client.R().SetContext(ctx).SetPathParam("digest", digest).SetResult(&out).Get("/v1/sdc/{digest}")
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return &DigestState{Digest: digest}, nil
	}
	if err := classify("digest state", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *GatewayBackend) ReviewsPage(ctx context.Context, productID string, offset, limit int) ([]ConfirmedReview, error) {
	var out reviewsResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("id", productID).
		SetQueryParams(map[string]string{
			"offset": strconv.Itoa(offset),
			"limit":  strconv.Itoa(limit),
		}).
		SetResult(&out).
		Get("/v1/products/{id}/reviews")
	if err := classify("reviews page", resp, err); err != nil {
		return nil, err
	}
	return out.Reviews, nil
}

func (g *GatewayBackend) Head(ctx context.Context) (uint64, error) {
	var out headResponse
	resp, err := g.client.R().SetContext(ctx).SetResult(&out).Get("/v1/head")
	if err := classify("head", resp, err); err != nil {
		return 0, err
	}
	return out.BlockNumber, nil
}

func (g *GatewayBackend) Close() error {
	return nil
}
