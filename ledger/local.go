package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	txRegisterSDC  = "register_sdc"
	txSubmitReview = "submit_review"
)

var errChainClosed = errors.New("local chain closed")

// Tx é uma transação do contrato de reviews na cadeia local.
type Tx struct {
	Ref          TxRef             `json:"ref"`
	Kind         string            `json:"kind"`
	Nonce        uint64            `json:"nonce"`
	Registration *Registration     `json:"registration,omitempty"`
	Review       *ReviewSubmission `json:"review,omitempty"`
	Status       TxStatus          `json:"status"`
	Reason       string            `json:"reason,omitempty"`
	ReviewID     string            `json:"review_id,omitempty"`
}

// Block é um bloco encadeado por hash, com raiz Merkle das transações.
type Block struct {
	Number     uint64    `json:"number"`
	ParentHash string    `json:"parent_hash"`
	TxRoot     string    `json:"tx_root"`
	Hash       string    `json:"hash"`
	Timestamp  time.Time `json:"timestamp"`
	Txs        []*Tx     `json:"txs"`
}

func (b *Block) computeHash() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], b.Number)
	binary.BigEndian.PutUint64(buf[8:], uint64(b.Timestamp.UnixNano()))
	return "0x" + hex.EncodeToString(keccak(buf[:], []byte(b.ParentHash), []byte(b.TxRoot)))
}

func (b *Block) txRefs() []string {
	refs := make([]string, len(b.Txs))
	for i, tx := range b.Txs {
		refs[i] = string(tx.Ref)
	}
	return refs
}

type sdcEntry struct {
	state DigestState
}

type txLocation struct {
	tx    *Tx
	block uint64
	// false enquanto a transação aguarda selagem
	sealed bool
}

// LocalChainOptions configura a cadeia local.
type LocalChainOptions struct {
	// BlockInterval > 0 liga o selador periódico (inclusive blocos vazios);
	// zero sela um bloco a cada transação enviada.
	BlockInterval time.Duration
	// DataDir vazio mantém a cadeia só em memória; caso contrário cada bloco
	// selado é gravado em DataDir/blocks e a cadeia é reconstruída na abertura.
	DataDir string
}

// LocalChain é uma cadeia in-process, à prova de adulteração, que aplica as
// regras do contrato de reviews (registerSDC / submitReview).
type LocalChain struct {
	mu       sync.RWMutex
	blocks   []*Block
	pending  []*Tx
	txIndex  map[TxRef]*txLocation
	sdcs     map[string]*sdcEntry
	reviews  map[string][]ConfirmedReview // productID -> reviews em ordem de bloco
	nonce    uint64
	reviewID uint64
	closed   bool

	opts LocalChainOptions
	done chan struct{}
	wg   sync.WaitGroup
}

// NewLocalChain cria uma cadeia só em memória, selando um bloco por transação.
func NewLocalChain() *LocalChain {
	c, _ := OpenLocalChain(LocalChainOptions{})
	return c
}

// OpenLocalChain cria (ou reabre, quando DataDir existe) a cadeia local.
func OpenLocalChain(opts LocalChainOptions) (*LocalChain, error) {
	c := &LocalChain{
		txIndex: make(map[TxRef]*txLocation),
		sdcs:    make(map[string]*sdcEntry),
		reviews: make(map[string][]ConfirmedReview),
		opts:    opts,
		done:    make(chan struct{}),
	}

	if opts.DataDir != "" {
		if err := os.MkdirAll(c.blocksDir(), 0o755); err != nil {
			return nil, fmt.Errorf("creating chain dir: %w", err)
		}
		if err := c.load(); err != nil {
			return nil, err
		}
	}

	if len(c.blocks) == 0 {
		genesis := &Block{Number: 0, ParentHash: "0x", TxRoot: MerkleRoot(nil), Timestamp: time.Now().UTC()}
		genesis.Hash = genesis.computeHash()
		c.blocks = append(c.blocks, genesis)
		if err := c.persist(genesis); err != nil {
			return nil, err
		}
	}

	if opts.BlockInterval > 0 {
		c.wg.Add(1)
		go c.sealLoop()
	}
	return c, nil
}

func (c *LocalChain) sealLoop() {
	defer c.wg.Done()
	tick := time.NewTicker(c.opts.BlockInterval)
	defer tick.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
			c.mu.Lock()
			if _, err := c.sealLocked(); err != nil {
				log.Error().Err(err).Msg("❌ local chain: sealing block failed")
			}
			c.mu.Unlock()
		}
	}
}

// Seal sela imediatamente as transações pendentes (útil com selador periódico).
func (c *LocalChain) Seal() (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealLocked()
}

func (c *LocalChain) sealLocked() (*Block, error) {
	if c.closed {
		return nil, errChainClosed
	}
	parent := c.blocks[len(c.blocks)-1]
	block := &Block{
		Number:     parent.Number + 1,
		ParentHash: parent.Hash,
		Timestamp:  time.Now().UTC(),
		Txs:        c.pending,
	}
	c.pending = nil

	for _, tx := range block.Txs {
		c.execute(tx, block)
		loc := c.txIndex[tx.Ref]
		loc.block = block.Number
		loc.sealed = true
	}
	block.TxRoot = MerkleRoot(block.txRefs())
	block.Hash = block.computeHash()
	c.blocks = append(c.blocks, block)

	if err := c.persist(block); err != nil {
		return nil, err
	}
	return block, nil
}

// execute aplica as regras do contrato no momento da inclusão.
func (c *LocalChain) execute(tx *Tx, block *Block) {
	var reason string
	switch tx.Kind {
	case txRegisterSDC:
		reason = c.checkRegistration(*tx.Registration)
		if reason == "" {
			reg := tx.Registration
			c.sdcs[reg.Digest] = &sdcEntry{state: DigestState{
				Digest:         reg.Digest,
				IsRegistered:   true,
				ProductID:      reg.ProductID,
				OrderID:        reg.OrderID,
				UserAddress:    reg.UserAddress,
				RegistrationTx: tx.Ref,
			}}
		}
	case txSubmitReview:
		reason = c.checkReview(*tx.Review)
		if reason == "" {
			sub := tx.Review
			entry := c.sdcs[sub.Digest]
			c.reviewID++
			id := strconv.FormatUint(c.reviewID, 10)
			entry.state.IsUsed = true
			entry.state.ReviewTx = tx.Ref
			entry.state.LedgerReviewID = id
			tx.ReviewID = id
			c.reviews[sub.ProductID] = append(c.reviews[sub.ProductID], ConfirmedReview{
				LedgerReviewID: id,
				Digest:         sub.Digest,
				ProductID:      sub.ProductID,
				UserAddress:    entry.state.UserAddress,
				ContentRef:     sub.ContentRef,
				Rating:         sub.Rating,
				TxRef:          tx.Ref,
				BlockNumber:    block.Number,
				Timestamp:      block.Timestamp,
			})
		}
	default:
		reason = "unknown transaction kind"
	}

	if reason != "" {
		tx.Status = TxFailed
		tx.Reason = reason
		return
	}
	tx.Status = TxIncluded
}

func (c *LocalChain) checkRegistration(reg Registration) string {
	switch {
	case reg.Digest == "":
		return "empty digest"
	case reg.UserAddress == "":
		return "invalid user address"
	case reg.ProductID == "":
		return "empty product id"
	}
	if _, ok := c.sdcs[reg.Digest]; ok {
		return "SDC already registered"
	}
	return ""
}

func (c *LocalChain) checkReview(sub ReviewSubmission) string {
	entry, ok := c.sdcs[sub.Digest]
	switch {
	case !ok:
		return "SDC not registered"
	case entry.state.IsUsed:
		return "SDC already used"
	case entry.state.ProductID != sub.ProductID:
		return "product mismatch"
	case sub.Rating < 1 || sub.Rating > 5:
		return "rating must be between 1 and 5"
	case sub.ContentRef == "":
		return "empty content reference"
	}
	return ""
}

func (c *LocalChain) submit(tx *Tx, precheck func() string) (TxRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, errChainClosed)
	}
	// simulação antes do envio, como uma estimativa de gas que reverte
	if reason := precheck(); reason != "" {
		return "", Reject(reason)
	}

	c.nonce++
	tx.Nonce = c.nonce
	payload, _ := json.Marshal(tx)
	tx.Ref = TxRef("0x" + hex.EncodeToString(keccak(payload)))
	tx.Status = TxPending
	c.pending = append(c.pending, tx)
	c.txIndex[tx.Ref] = &txLocation{tx: tx}

	if c.opts.BlockInterval <= 0 {
		if _, err := c.sealLocked(); err != nil {
			return tx.Ref, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return tx.Ref, nil
}

// SubmitRegistration implementa Backend.
func (c *LocalChain) SubmitRegistration(_ context.Context, reg Registration) (TxRef, error) {
	return c.submit(&Tx{Kind: txRegisterSDC, Registration: &reg}, func() string {
		if reason := c.checkRegistration(reg); reason != "" {
			return reason
		}
		if c.pendingFor(txRegisterSDC, reg.Digest) {
			return "SDC registration already pending"
		}
		return ""
	})
}

func (c *LocalChain) pendingFor(kind, digest string) bool {
	for _, tx := range c.pending {
		if tx.Kind != kind {
			continue
		}
		if (tx.Registration != nil && tx.Registration.Digest == digest) || (tx.Review != nil && tx.Review.Digest == digest) {
			return true
		}
	}
	return false
}

// SubmitReview implementa Backend.
func (c *LocalChain) SubmitReview(_ context.Context, sub ReviewSubmission) (TxRef, error) {
	return c.submit(&Tx{Kind: txSubmitReview, Review: &sub}, func() string {
		if reason := c.checkReview(sub); reason != "" {
			return reason
		}
		if c.pendingFor(txSubmitReview, sub.Digest) {
			return "SDC review already pending"
		}
		return ""
	})
}

// Receipt implementa Backend.
func (c *LocalChain) Receipt(_ context.Context, ref TxRef) (*Receipt, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.txIndex[ref]
	if !ok {
		return nil, ErrTxNotFound
	}
	if !loc.sealed {
		return &Receipt{TxRef: ref, Status: TxPending}, nil
	}
	return &Receipt{
		TxRef:          ref,
		Status:         loc.tx.Status,
		BlockNumber:    loc.block,
		Reason:         loc.tx.Reason,
		LedgerReviewID: loc.tx.ReviewID,
	}, nil
}

// DigestState implementa Backend.
func (c *LocalChain) DigestState(_ context.Context, digest string) (*DigestState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.sdcs[digest]
	if !ok {
		return &DigestState{Digest: digest}, nil
	}
	state := entry.state
	return &state, nil
}

// ReviewsPage implementa Backend.
func (c *LocalChain) ReviewsPage(_ context.Context, productID string, offset, limit int) ([]ConfirmedReview, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := c.reviews[productID]
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	return append([]ConfirmedReview(nil), all[offset:end]...), nil
}

// Head implementa Backend.
func (c *LocalChain) Head(_ context.Context) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].Number, nil
}

// Verify confere encadeamento de hashes e raízes Merkle de toda a cadeia.
func (c *LocalChain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return verifyBlocks(c.blocks)
}

func verifyBlocks(blocks []*Block) error {
	for i, b := range blocks {
		if b.Number != uint64(i) {
			return fmt.Errorf("block %d: unexpected number %d", i, b.Number)
		}
		if root := MerkleRoot(b.txRefs()); root != b.TxRoot {
			return fmt.Errorf("block %d: tx root mismatch", b.Number)
		}
		if b.computeHash() != b.Hash {
			return fmt.Errorf("block %d: hash mismatch", b.Number)
		}
		if i > 0 && b.ParentHash != blocks[i-1].Hash {
			return fmt.Errorf("block %d: broken parent link", b.Number)
		}
	}
	return nil
}

// Close para o selador e recusa novas transações.
func (c *LocalChain) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	return nil
}

func (c *LocalChain) blocksDir() string {
	return filepath.Join(c.opts.DataDir, "blocks")
}

func (c *LocalChain) persist(b *Block) error {
	if c.opts.DataDir == "" {
		return nil
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	p := filepath.Join(c.blocksDir(), fmt.Sprintf("%012d.json", b.Number))
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("persisting block %d: %w", b.Number, err)
	}
	return nil
}

// load lê os blocos gravados, valida a cadeia e reexecuta as transações.
func (c *LocalChain) load() error {
	entries, err := os.ReadDir(c.blocksDir())
	if err != nil {
		return fmt.Errorf("reading chain dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	blocks := make([]*Block, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(c.blocksDir(), name))
		if err != nil {
			return fmt.Errorf("reading block %s: %w", name, err)
		}
		var b Block
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("decoding block %s: %w", name, err)
		}
		blocks = append(blocks, &b)
	}
	if err := verifyBlocks(blocks); err != nil {
		return fmt.Errorf("stored chain is corrupt: %w", err)
	}

	for _, b := range blocks {
		for _, tx := range b.Txs {
			recorded := tx.Status
			c.execute(tx, b)
			if tx.Status != recorded {
				return fmt.Errorf("replaying tx %s: status %s differs from recorded %s", tx.Ref, tx.Status, recorded)
			}
			c.txIndex[tx.Ref] = &txLocation{tx: tx, block: b.Number, sealed: true}
			c.nonce = max(c.nonce, tx.Nonce)
		}
	}
	c.blocks = blocks
	if len(blocks) > 0 {
		log.Info().Int("blocks", len(blocks)).Str("dir", c.opts.DataDir).Msg("⛓️ local chain reloaded")
	}
	return nil
}
