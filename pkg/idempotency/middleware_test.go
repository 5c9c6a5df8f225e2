package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	s := NewStore(nil, time.Minute)
	assert.Equal(t, "idem:order.events:3:42", s.Key("order.events", 3, 42))
	assert.Equal(t, "idem:gateway-txn:T1", s.ScopedKey("gateway-txn", "T1"))
}
