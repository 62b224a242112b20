// Package identity resolve o endereço no ledger de um usuário autenticado.
package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/crypto/sha3"
)

var (
	ErrUnknownUser    = errors.New("unknown user")
	ErrInvalidAddress = errors.New("invalid ledger address")
)

// Resolver é o colaborador de autenticação: userId -> userAddress.
type Resolver interface {
	ResolveAddress(ctx context.Context, userID string) (string, error)
}

// DerivedResolver deriva endereços determinísticos (20 bytes do keccak256) para
// ambientes de desenvolvimento sem carteira vinculada.
type DerivedResolver struct {
	namespace string
}

// NewDerivedResolver cria uma nova instância de DerivedResolver
func NewDerivedResolver(namespace string) *DerivedResolver {
	return &DerivedResolver{namespace: namespace}
}

func (r *DerivedResolver) ResolveAddress(_ context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrUnknownUser
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(r.namespace))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:]), nil
}

// HTTPResolver consulta o serviço de autenticação.
type HTTPResolver struct {
	client *resty.Client
}

type addressResponse struct {
	UserID  string `json:"user_id"`
	Address string `json:"address"`
}

// NewHTTPResolver cria um cliente para GET {baseURL}/api/users/{id}/address.
func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
	}
}

func (r *HTTPResolver) ResolveAddress(ctx context.Context, userID string) (string, error) {
	var out addressResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetPathParam("id", userID).
		SetResult(&out).
		Get("/api/users/{id}/address")
	if err != nil {
		return "", fmt.Errorf("resolving address for %s: %w", userID, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", ErrUnknownUser
	default:
		return "", fmt.Errorf("resolving address for %s: unexpected status %d", userID, resp.StatusCode())
	}
	if !ValidAddress(out.Address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, out.Address)
	}
	return strings.ToLower(out.Address), nil
}

// ValidAddress verifica o formato 0x + 40 dígitos hex.
func ValidAddress(addr string) bool {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	_, err := hex.DecodeString(addr[2:])
	return err == nil
}
