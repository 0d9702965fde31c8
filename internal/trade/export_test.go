package trade

import "testing"

var (
	TestMaker = maker
	TestTaker = taker
)

const TestSellOffer = sellOffer

// NewTestService builds a service over the in-package doubles with l and
// store in place of the fake ledger and record store.
func NewTestService(t *testing.T, l Ledger, store Store) *Service {
	t.Helper()
	f := newFixture(t)
	f.svc.ledger = l
	f.svc.store = store
	return f.svc
}
