package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger is an in-process Client used by tests and local development.
// It keeps per-account balances and a transaction log guarded by one mutex.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	txs      map[string]*Transaction
	seq      int64
	nowFn    func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		txs:      make(map[string]*Transaction),
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (l *MemoryLedger) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now == nil {
		l.nowFn = time.Now
		return
	}
	l.nowFn = now
}

// Fund credits an account directly, bypassing transfer accounting. Test setup
// only.
func (l *MemoryLedger) Fund(account string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
}

func (l *MemoryLedger) SubmitTransfer(_ context.Context, transfer Transfer) (*TransferReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if transfer.Amount <= 0 {
		return nil, fmt.Errorf("settlement: transfer amount must be positive, got %d", transfer.Amount)
	}
	if l.balances[transfer.From] < transfer.Amount {
		return nil, fmt.Errorf("settlement: insufficient balance on %s", transfer.From)
	}

	fromPre := l.balances[transfer.From]
	toPre := l.balances[transfer.To]
	l.balances[transfer.From] -= transfer.Amount
	l.balances[transfer.To] += transfer.Amount

	l.seq++
	now := l.nowFn().UTC()
	ref := fmt.Sprintf("memtx-%d", l.seq)
	l.txs[ref] = &Transaction{
		Reference: ref,
		From:      transfer.From,
		To:        transfer.To,
		Amount:    transfer.Amount,
		Timestamp: now.Unix(),
		Deltas: []BalanceDelta{
			{Account: transfer.From, Pre: fromPre, Post: l.balances[transfer.From]},
			{Account: transfer.To, Pre: toPre, Post: l.balances[transfer.To]},
		},
	}
	return &TransferReceipt{Reference: ref, Submitted: now.Unix()}, nil
}

func (l *MemoryLedger) GetBalance(_ context.Context, account string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}

func (l *MemoryLedger) GetTransaction(_ context.Context, reference string) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	clone := *tx
	clone.Deltas = append([]BalanceDelta(nil), tx.Deltas...)
	return &clone, nil
}

func (l *MemoryLedger) ConfirmTransaction(_ context.Context, reference string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.txs[reference]
	return ok, nil
}
