// Package content guarda o conteúdo das reviews em armazenamento endereçado
// por conteúdo; o ledger recebe apenas a referência (contentRef).
package content

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/crypto/sha3"
)

var (
	ErrNotFound    = errors.New("content not found")
	ErrUnavailable = errors.New("content store unavailable")
)

// ReviewContent é o documento publicado para cada review.
type ReviewContent struct {
	ProductID string    `json:"product_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// Store publica blobs e devolve referências imutáveis.
type Store interface {
	Put(ctx context.Context, blob []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// PutReview serializa e publica o conteúdo da review.
func PutReview(ctx context.Context, s Store, c ReviewContent) (string, error) {
	blob, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding review content: %w", err)
	}
	return s.Put(ctx, blob)
}

// MemoryStore guarda blobs em memória, indexados pelo keccak256 do conteúdo.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore cria uma nova instância de MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, blob []byte) (string, error) {
	sum := sha3.Sum256(blob)
	ref := "sha3-" + hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		s.blobs[ref] = bytes.Clone(blob)
	}
	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(blob), nil
}

// IPFSStore publica blobs pela HTTP API de um nó IPFS (kubo).
type IPFSStore struct {
	client *resty.Client
}

type ipfsAddResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// NewIPFSStore cria um cliente para {apiURL}/api/v0.
func NewIPFSStore(apiURL string, timeout time.Duration) *IPFSStore {
	return &IPFSStore{
		client: resty.New().SetBaseURL(apiURL).SetTimeout(timeout),
	}
}

func (s *IPFSStore) Put(ctx context.Context, blob []byte) (string, error) {
	var out ipfsAddResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"pin": "true", "cid-version": "1"}).
		SetFileReader("file", "review.json", bytes.NewReader(blob)).
		SetResult(&out).
		Post("/api/v0/add")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK || out.Hash == "" {
		return "", fmt.Errorf("%w: ipfs add returned status %d", ErrUnavailable, resp.StatusCode())
	}
	return out.Hash, nil
}

func (s *IPFSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("arg", ref).
		Post("/api/v0/cat")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		return resp.Body(), nil
	case resp.StatusCode() == http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("%w: ipfs cat returned status %d", ErrUnavailable, resp.StatusCode())
	}
}
