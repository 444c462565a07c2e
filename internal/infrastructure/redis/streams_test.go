package redis

import (
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage(redis.XMessage{
		ID: "1-0",
		Values: map[string]any{
			"aggregate_id": "p-1",
			"event_type":   "subscription.apply",
			"payload":      `{"tier":"premium"}`,
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "1-0", msg.ID)
	assert.Equal(t, "p-1", msg.AggregateID)
	assert.Equal(t, "subscription.apply", msg.EventType)
	assert.Equal(t, "premium", msg.Payload["tier"])
}

func TestDecodeMessage_Invalid(t *testing.T) {
	tests := map[string]map[string]any{
		"missing event type": {"aggregate_id": "p-1"},
		"missing aggregate":  {"event_type": "subscription.apply"},
		"bad payload":        {"aggregate_id": "p-1", "event_type": "subscription.apply", "payload": "{"},
	}
	for name, values := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage(redis.XMessage{ID: "1-0", Values: values})
			assert.Error(t, err)
		})
	}
}

func TestAccountLockKey(t *testing.T) {
	id := uuid.MustParse("7d1f4c1e-3b7a-4a53-9d0e-5f2a1c9b8e01")
	assert.Equal(t, "account:7d1f4c1e-3b7a-4a53-9d0e-5f2a1c9b8e01:subscription", AccountLockKey(id))
}
