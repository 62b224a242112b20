package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/rs/zerolog/log"
)

// SignerLock serializa as escritas de uma identidade de assinatura.
// O mutex local cobre o processo; o mutex redsync (quando configurado)
// cobre réplicas que compartilham a mesma chave. O lock cobre só o envio:
// a ordem de nonces entre transações ainda não confirmadas fica com o backend.
type SignerLock struct {
	signer string
	local  sync.Mutex
	rs     *redsync.Redsync
	expiry time.Duration
	tries  int
}

// NewSignerLock cria um lock apenas local.
func NewSignerLock(signer string) *SignerLock {
	return &SignerLock{signer: signer}
}

// NewDistributedSignerLock cria um lock local + redsync.
func NewDistributedSignerLock(signer string, rs *redsync.Redsync, expiry time.Duration, tries int) *SignerLock {
	return &SignerLock{signer: signer, rs: rs, expiry: expiry, tries: tries}
}

// Lock adquire o lock e devolve a função de liberação.
func (l *SignerLock) Lock(ctx context.Context) (func(), error) {
	l.local.Lock()
	if l.rs == nil {
		return l.local.Unlock, nil
	}

	mutex := l.rs.NewMutex(
		"sdc_ledger_signer_lock:"+l.signer,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
	)
	if err := mutex.LockContext(ctx); err != nil {
		l.local.Unlock()
		return nil, fmt.Errorf("%w: acquiring signer lock: %v", ErrUnavailable, err)
	}

	return func() {
		// a liberação não deve herdar um cancelamento do chamador
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("signer", l.signer).Msg("⚠️ failed to release signer lock")
		}
		l.local.Unlock()
	}, nil
}
