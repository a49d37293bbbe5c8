package ledger

import (
	"testing"
	"time"

	"github.com/chikuno/dchat/internal/errs"
	"github.com/chikuno/dchat/internal/types"
)

func mkBlock(height uint64, prev types.Hash, txs ...*Transaction) *Block {
	return &Block{
		Header: BlockHeader{
			Height:    height,
			PrevHash:  prev,
			Timestamp: time.Unix(int64(height), 0),
		},
		Transactions: txs,
	}
}

func TestAppendBlockHeightAndForkChecks(t *testing.T) {
	l := New()

	genesis := mkBlock(0, types.Hash{})
	if h, err := l.AppendBlock(types.ChatChain, genesis); err != nil || h != 0 {
		t.Fatalf("genesis append: h=%d err=%v", h, err)
	}

	// Wrong height.
	bad := mkBlock(5, genesis.Hash())
	if _, err := l.AppendBlock(types.ChatChain, bad); !errs.Is(err, errs.Validation) {
		t.Fatalf("expected Validation error for bad height, got %v", err)
	}

	// Wrong prev hash => ChainFork (State kind).
	forked := mkBlock(1, types.Hash{0xFF})
	if _, err := l.AppendBlock(types.ChatChain, forked); !errs.Is(err, errs.State) {
		t.Fatalf("expected State error for fork, got %v", err)
	}

	// Correct continuation.
	next := mkBlock(1, genesis.Hash())
	if h, err := l.AppendBlock(types.ChatChain, next); err != nil || h != 1 {
		t.Fatalf("append height 1: h=%d err=%v", h, err)
	}
}

func TestFinalizeRejectsBelowAlreadyFinalized(t *testing.T) {
	l := New()
	g := mkBlock(0, types.Hash{})
	if _, err := l.AppendBlock(types.ChatChain, g); err != nil {
		t.Fatal(err)
	}
	b1 := mkBlock(1, g.Hash())
	if _, err := l.AppendBlock(types.ChatChain, b1); err != nil {
		t.Fatal(err)
	}

	if err := l.Finalize(types.ChatChain, 1); err != nil {
		t.Fatalf("finalize 1: %v", err)
	}
	if err := l.Finalize(types.ChatChain, 0); !errs.Is(err, errs.State) {
		t.Fatalf("expected AlreadyFinalized State error, got %v", err)
	}
	// Re-finalizing the same height is also a no-op failure, not success.
	if err := l.Finalize(types.ChatChain, 1); !errs.Is(err, errs.State) {
		t.Fatalf("expected AlreadyFinalized on re-finalize, got %v", err)
	}
}

func TestRollbackRefusesFinalizedHeights(t *testing.T) {
	l := New()
	g := mkBlock(0, types.Hash{})
	l.AppendBlock(types.ChatChain, g)
	b1 := mkBlock(1, g.Hash())
	l.AppendBlock(types.ChatChain, b1)

	if err := l.Finalize(types.ChatChain, 0); err != nil {
		t.Fatal(err)
	}
	if err := l.Rollback(types.ChatChain, 0); !errs.Is(err, errs.State) {
		t.Fatalf("expected rollback of finalized height to fail, got %v", err)
	}
	if err := l.Rollback(types.ChatChain, 1); err != nil {
		t.Fatalf("rollback of non-finalized height should succeed: %v", err)
	}
	if _, err := l.GetBlock(types.ChatChain, 1); err == nil {
		t.Fatalf("expected block 1 to be gone after rollback")
	}
}

func TestRegisterTransactionIdempotence(t *testing.T) {
	l := New()
	sender := types.Address{1}

	_, dup, err := l.RegisterTransaction(types.ChatChain, sender, 7)
	if err != nil || dup {
		t.Fatalf("first registration should be fresh: dup=%v err=%v", dup, err)
	}

	g := mkBlock(0, types.Hash{}, &Transaction{Kind: types.TxRegisterUser, Sender: sender, Nonce: 7})
	if _, err := l.AppendBlock(types.ChatChain, g); err != nil {
		t.Fatal(err)
	}

	outcome, dup, err := l.RegisterTransaction(types.ChatChain, sender, 7)
	if err != nil || !dup {
		t.Fatalf("second registration should be a duplicate: dup=%v err=%v", dup, err)
	}
	if outcome.Height != 0 || outcome.Index != 0 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestEventStreamOrderingAndSubscribe(t *testing.T) {
	l := New()
	ch, err := l.Subscribe(types.CurrencyChain)
	if err != nil {
		t.Fatal(err)
	}

	tx := &Transaction{Kind: types.TxMint, Sender: types.Address{9}, Nonce: 1}
	g := mkBlock(0, types.Hash{}, tx)
	if _, err := l.AppendBlock(types.CurrencyChain, g); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Chain != types.CurrencyChain || ev.Height != 0 || ev.Index != 0 || ev.Kind != types.TxMint {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	events, err := l.Events(types.CurrencyChain)
	if err != nil || len(events) != 1 {
		t.Fatalf("events=%v err=%v", events, err)
	}
}

func TestBlockRLPRoundTrip(t *testing.T) {
	orig := mkBlock(3, types.Hash{0xAB}, &Transaction{
		Kind:      types.TxMint,
		Sender:    types.Address{7},
		Nonce:     42,
		Payload:   []byte("hello"),
		Signature: []byte("sig"),
	})
	orig.Header.TxRoot = types.Hash{0x01}
	orig.Header.StateRoot = types.Hash{0x02}
	orig.Header.ProducerID = types.Address{0x03}
	orig.Header.ProducerSignature = []byte("producer-sig")

	enc, err := EncodeBlockRLP(orig)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	dec, err := DecodeBlockRLP(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if dec.Hash() != orig.Hash() {
		t.Fatalf("decoded block hash mismatch: got %s, want %s", dec.Hash(), orig.Hash())
	}
	if len(dec.Transactions) != 1 || dec.Transactions[0].Nonce != 42 {
		t.Fatalf("unexpected decoded transactions: %+v", dec.Transactions)
	}

	if _, err := DecodeBlockRLP([]byte{0xFF}); !errs.Is(err, errs.Protocol) {
		t.Fatalf("expected Protocol error decoding garbage, got %v", err)
	}
}
