package sdc

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codePattern = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{5}(-[0-9A-HJKMNP-TV-Z]{5}){3}$`)

func TestGenerate_FormatAndDigest(t *testing.T) {
	// Arrange
	g := NewGenerator()
	ctx := DigestContext{OrderID: "O1", ProductID: "P1"}

	// Act
	code, digest, err := g.Generate(ctx)

	// Assert
	require.NoError(t, err)
	assert.Regexp(t, codePattern, code)
	assert.True(t, strings.HasPrefix(digest, "0x"))
	assert.Len(t, digest, 66)

	again, err := Digest(code, ctx)
	require.NoError(t, err)
	assert.Equal(t, digest, again)
}

func TestGenerate_RequiresContext(t *testing.T) {
	g := NewGenerator()

	_, _, err := g.Generate(DigestContext{OrderID: "O1"})
	assert.ErrorIs(t, err, ErrInvalidContext)

	_, _, err = g.Generate(DigestContext{ProductID: "P1"})
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestGenerate_ReaderFailure(t *testing.T) {
	g := NewGeneratorWithReader(bytes.NewReader([]byte{1, 2, 3}))

	_, _, err := g.Generate(DigestContext{OrderID: "O1", ProductID: "P1"})

	assert.Error(t, err)
}

func TestGenerate_DeterministicWithInjectedReader(t *testing.T) {
	seed := bytes.Repeat([]byte{0x00, 0x1f, 0x20}, 10)
	ctx := DigestContext{OrderID: "O1", ProductID: "P1"}

	code1, digest1, err := NewGeneratorWithReader(bytes.NewReader(seed)).Generate(ctx)
	require.NoError(t, err)
	code2, digest2, err := NewGeneratorWithReader(bytes.NewReader(seed)).Generate(ctx)
	require.NoError(t, err)

	assert.Equal(t, code1, code2)
	assert.Equal(t, digest1, digest2)
	assert.Equal(t, "0Z00Z-00Z00-Z00Z0-0Z00Z", code1)
}

func TestGenerate_NoCollisionsOverTenThousandCodes(t *testing.T) {
	g := NewGenerator()
	ctx := DigestContext{OrderID: "O1", ProductID: "P1"}
	codes := make(map[string]struct{}, 10000)
	digests := make(map[string]struct{}, 10000)

	for i := 0; i < 10000; i++ {
		code, digest, err := g.Generate(ctx)
		require.NoError(t, err)
		codes[code] = struct{}{}
		digests[digest] = struct{}{}
	}

	assert.Len(t, codes, 10000)
	assert.Len(t, digests, 10000)
}

func TestDigest_BindsToContext(t *testing.T) {
	code := "ABCDE-FGHJK-MNPQR-STVWX"

	d1, err := Digest(code, DigestContext{OrderID: "O1", ProductID: "P1"})
	require.NoError(t, err)
	d2, err := Digest(code, DigestContext{OrderID: "O2", ProductID: "P1"})
	require.NoError(t, err)
	d3, err := Digest(code, DigestContext{OrderID: "O1", ProductID: "P2"})
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
	assert.NotEqual(t, d1, d3)
	assert.NotEqual(t, d2, d3)
}

func TestDigest_LengthPrefixSeparatesFields(t *testing.T) {
	code := "ABCDE-FGHJK-MNPQR-STVWX"

	d1, err := Digest(code, DigestContext{OrderID: "O1P", ProductID: "1"})
	require.NoError(t, err)
	d2, err := Digest(code, DigestContext{OrderID: "O1", ProductID: "P1"})
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
}

func TestDigest_AcceptsUserTypedVariants(t *testing.T) {
	ctx := DigestContext{OrderID: "O1", ProductID: "P1"}
	canonical, err := Digest("AB1DE-FGH0K-MNPQR-STVWX", ctx)
	require.NoError(t, err)

	for _, variant := range []string{
		"ab1de-fgh0k-mnpqr-stvwx",
		"AB1DE FGH0K MNPQR STVWX",
		"ABIDEFGHOKMNPQRSTVWX",
		"abLde-fghok-mnpqr-stvwx",
	} {
		got, err := Digest(variant, ctx)
		require.NoError(t, err, variant)
		assert.Equal(t, canonical, got, variant)
	}
}

func TestNormalizeCode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{name: "empty", code: ""},
		{name: "too short", code: "ABCDE-FGHJK"},
		{name: "too long", code: "ABCDE-FGHJK-MNPQR-STVWX-Y"},
		{name: "excluded letter U", code: "UBCDE-FGHJK-MNPQR-STVWX"},
		{name: "punctuation", code: "ABCDE.FGHJK.MNPQR.STVWX"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeCode(tt.code)
			assert.True(t, errors.Is(err, ErrInvalidCode))
		})
	}
}

func TestCodeHintAndMask(t *testing.T) {
	code := "ABCDE-FGHJK-MNPQR-STVWX"

	assert.Equal(t, "STVWX", CodeHint(code))
	assert.Equal(t, "*****-*****-*****-STVWX", MaskCode(code))
	assert.Equal(t, "<invalid>", MaskCode("nope"))
	assert.Equal(t, code, FormatCode("ABCDEFGHJKMNPQRSTVWX"))
}
