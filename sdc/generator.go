package sdc

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// crockfordAlphabet é o alfabeto base32 de Crockford (sem I, L, O, U).
	crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

	codeGroups    = 4
	codeGroupSize = 5
	codeSymbols   = codeGroups * codeGroupSize // 100 bits

	digestDomain = "buysewa/sdc/v1"
)

// DigestContext vincula o digest ao pedido e ao produto de origem.
type DigestContext struct {
	OrderID   string
	ProductID string
}

func (c DigestContext) validate() error {
	if strings.TrimSpace(c.OrderID) == "" || strings.TrimSpace(c.ProductID) == "" {
		return ErrInvalidContext
	}
	return nil
}

// Generator gera códigos SDC e seus digests. Não tem efeitos colaterais.
type Generator struct {
	random io.Reader
}

// NewGenerator cria um gerador sobre crypto/rand.
func NewGenerator() *Generator {
	return &Generator{random: rand.Reader}
}

// NewGeneratorWithReader cria um gerador com fonte de aleatoriedade injetada.
func NewGeneratorWithReader(r io.Reader) *Generator {
	return &Generator{random: r}
}

// Generate devolve um código em texto plano e o digest vinculado ao contexto.
func (g *Generator) Generate(ctx DigestContext) (string, string, error) {
	if err := ctx.validate(); err != nil {
		return "", "", err
	}

	// 256 é múltiplo de 32: cada byte mascarado é uniforme no alfabeto.
	buf := make([]byte, codeSymbols)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", "", fmt.Errorf("reading randomness: %w", err)
	}

	for i, v := range buf {
		buf[i] = crockfordAlphabet[v&0x1f]
	}
	code := FormatCode(string(buf))

	digest, err := Digest(code, ctx)
	if err != nil {
		return "", "", err
	}
	return code, digest, nil
}

// NormalizeCode converte a entrada do usuário na forma canônica de 20 símbolos.
// Aceita minúsculas, espaços, hífens e os aliases de Crockford (I/L→1, O→0).
func NormalizeCode(code string) (string, error) {
	var b strings.Builder
	b.Grow(codeSymbols)
	for _, r := range strings.ToUpper(code) {
		switch {
		case r == '-' || r == ' ' || r == '\t':
			continue
		case r == 'I' || r == 'L':
			r = '1'
		case r == 'O':
			r = '0'
		}
		if !strings.ContainsRune(crockfordAlphabet, r) {
			return "", ErrInvalidCode
		}
		b.WriteRune(r)
	}
	if b.Len() != codeSymbols {
		return "", ErrInvalidCode
	}
	return b.String(), nil
}

// Digest calcula keccak256 sobre a codificação com prefixo de tamanho de
// (domínio, orderId, productId, código normalizado). Resultado em hex 0x (bytes32).
func Digest(code string, ctx DigestContext) (string, error) {
	if err := ctx.validate(); err != nil {
		return "", err
	}
	normalized, err := NormalizeCode(code)
	if err != nil {
		return "", err
	}

	h := sha3.NewLegacyKeccak256()
	for _, field := range []string{digestDomain, ctx.OrderID, ctx.ProductID, normalized} {
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(field)))
		h.Write(size[:])
		h.Write([]byte(field))
	}
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// FormatCode agrupa um código normalizado em XXXXX-XXXXX-XXXXX-XXXXX.
func FormatCode(normalized string) string {
	var b strings.Builder
	for i, r := range normalized {
		if i > 0 && i%codeGroupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CodeHint devolve apenas o último grupo do código, seguro para telas de suporte.
func CodeHint(code string) string {
	normalized, err := NormalizeCode(code)
	if err != nil {
		return ""
	}
	return normalized[codeSymbols-codeGroupSize:]
}

// MaskCode devolve o código mascarado para logs: *****-*****-*****-XXXXX.
func MaskCode(code string) string {
	hint := CodeHint(code)
	if hint == "" {
		return "<invalid>"
	}
	return strings.Repeat("*****-", codeGroups-1) + hint
}
