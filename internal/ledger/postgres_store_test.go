//go:build integration

package ledger

import (
	"testing"

	"github.com/mbd888/tradeescrow/internal/testutil"
)

func TestPostgresStore_Reversal(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	testReversalContract(t, NewPostgresStore(db))
}
