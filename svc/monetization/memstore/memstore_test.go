package memstore_test

import (
	"testing"

	"github.com/dmitrymomot/promokit/svc/monetization"
	"github.com/dmitrymomot/promokit/svc/monetization/memstore"
	"github.com/dmitrymomot/promokit/svc/monetization/storetest"
)

func TestStoreContract(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(_ *testing.T, freeSlots int) monetization.Store {
		return memstore.New(freeSlots)
	})
}
