package ledgertest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/affiliate-ledger/ledger"
)

// Lockable rows in the order every transaction must take them.
const (
	LockAffiliate   = "affiliate"
	LockLink        = "link"
	LockAttribution = "attribution"
	LockVendor      = "vendor_balance"
)

var lockRank = map[string]int{
	LockAffiliate:   0,
	LockLink:        1,
	LockAttribution: 2,
	LockVendor:      3,
}

// LockRecorder wraps a store and records the row locks each transaction takes.
type LockRecorder struct {
	ledger.Store

	mu  sync.Mutex
	txs [][]string
}

func NewLockRecorder(store ledger.Store) *LockRecorder {
	return &LockRecorder{Store: store}
}

func (r *LockRecorder) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return r.Store.WithTx(ctx, func(tx ledger.Tx) error {
		rec := &recordingTx{Tx: tx}
		err := fn(rec)
		r.mu.Lock()
		r.txs = append(r.txs, rec.locks)
		r.mu.Unlock()
		return err
	})
}

// Transactions returns the lock sequence of every transaction so far.
func (r *LockRecorder) Transactions() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.txs))
	copy(out, r.txs)
	return out
}

// Reset forgets recorded transactions.
func (r *LockRecorder) Reset() {
	r.mu.Lock()
	r.txs = nil
	r.mu.Unlock()
}

// AssertLockOrder fails when any transaction took a lock out of order.
func (r *LockRecorder) AssertLockOrder(t testing.TB) {
	t.Helper()
	for _, locks := range r.Transactions() {
		for i := 1; i < len(locks); i++ {
			assert.LessOrEqualf(t, lockRank[locks[i-1]], lockRank[locks[i]],
				"lock %s taken after %s in %v", locks[i], locks[i-1], locks)
		}
	}
}

type recordingTx struct {
	ledger.Tx
	locks []string
}

func (t *recordingTx) take(kind string) { t.locks = append(t.locks, kind) }

func (t *recordingTx) LockAffiliate(ctx context.Context, id ledger.AffiliateID) (*ledger.Affiliate, error) {
	t.take(LockAffiliate)
	return t.Tx.LockAffiliate(ctx, id)
}

func (t *recordingTx) LockLink(ctx context.Context, id ledger.LinkID) (*ledger.TrackingLink, error) {
	t.take(LockLink)
	return t.Tx.LockLink(ctx, id)
}

func (t *recordingTx) LockLinkFor(ctx context.Context, affiliateID ledger.AffiliateID, productID ledger.ProductID) (*ledger.TrackingLink, error) {
	t.take(LockLink)
	return t.Tx.LockLinkFor(ctx, affiliateID, productID)
}

func (t *recordingTx) LockAttributionBySale(ctx context.Context, saleID ledger.SaleID) (*ledger.Attribution, error) {
	t.take(LockAttribution)
	return t.Tx.LockAttributionBySale(ctx, saleID)
}

func (t *recordingTx) LockPendingAttributions(ctx context.Context, affiliateID ledger.AffiliateID) ([]ledger.Attribution, error) {
	t.take(LockAttribution)
	return t.Tx.LockPendingAttributions(ctx, affiliateID)
}

func (t *recordingTx) LockVendorBalance(ctx context.Context, vendorID ledger.VendorID) (*ledger.VendorBalance, error) {
	t.take(LockVendor)
	return t.Tx.LockVendorBalance(ctx, vendorID)
}

func (t *recordingTx) LockOrCreateVendorBalance(ctx context.Context, vendorID ledger.VendorID) (*ledger.VendorBalance, error) {
	t.take(LockVendor)
	return t.Tx.LockOrCreateVendorBalance(ctx, vendorID)
}
