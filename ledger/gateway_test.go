package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sdc/register":
			if r.Header.Get("Authorization") != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"tx_ref":"0xreg"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/reviews":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"SDC already used"}`))
		case r.URL.Path == "/v1/tx/0xreg":
			_, _ = w.Write([]byte(`{"tx_ref":"0xreg","status":"included","block_number":7}`))
		case r.URL.Path == "/v1/sdc/0xd1":
			_, _ = w.Write([]byte(`{"digest":"0xd1","is_registered":true,"product_id":"P1"}`))
		case r.URL.Path == "/v1/head":
			w.WriteHeader(http.StatusBadGateway)
		case r.URL.Path == "/v1/products/P1/reviews":
			assert.Equal(t, "2", r.URL.Query().Get("offset"))
			_, _ = w.Write([]byte(`{"reviews":[{"ledger_review_id":"3","digest":"0xd1","rating":4}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewGatewayBackend(srv.URL, "secret", time.Second)
	ctx := context.Background()

	ref, err := g.SubmitRegistration(ctx, Registration{Digest: "0xd1"})
	require.NoError(t, err)
	assert.Equal(t, TxRef("0xreg"), ref)

	_, err = g.SubmitReview(ctx, ReviewSubmission{Digest: "0xd1"})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "SDC already used", rejected.Reason)

	receipt, err := g.Receipt(ctx, "0xreg")
	require.NoError(t, err)
	assert.Equal(t, TxIncluded, receipt.Status)
	assert.Equal(t, uint64(7), receipt.BlockNumber)

	_, err = g.Receipt(ctx, "0xmissing")
	assert.ErrorIs(t, err, ErrTxNotFound)

	state, err := g.DigestState(ctx, "0xd1")
	require.NoError(t, err)
	assert.True(t, state.IsRegistered)

	unknown, err := g.DigestState(ctx, "0xd2")
	require.NoError(t, err)
	assert.False(t, unknown.IsRegistered)

	_, err = g.Head(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)

	page, err := g.ReviewsPage(ctx, "P1", 2, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 4, page[0].Rating)
}

func TestGatewayBackend_Unreachable(t *testing.T) {
	g := NewGatewayBackend("http://127.0.0.1:1", "", 100*time.Millisecond)

	_, err := g.SubmitRegistration(context.Background(), Registration{Digest: "0xd1"})

	assert.ErrorIs(t, err, ErrUnavailable)
}
