package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	e := New(WithdrawalApproved, "req-1", map[string]int64{"amount": 500})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "withdrawal.approved", e.Type)
	assert.Equal(t, "req-1", e.Key)
	assert.False(t, e.OccurredAt.IsZero())

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"occurredAt"`)
	assert.Contains(t, string(data), `"payload":{"amount":500}`)
}

func TestMemory_KeepsOrder(t *testing.T) {
	var m Memory
	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, New(WithdrawalRequested, "r", nil)))
	require.NoError(t, m.Publish(ctx, New(WithdrawalApproved, "r", nil)))

	assert.Equal(t, []string{WithdrawalRequested, WithdrawalApproved}, m.Types())

	evs := m.Events()
	evs[0].Type = "mutated"
	assert.Equal(t, WithdrawalRequested, m.Events()[0].Type, "Events returns a copy")
}
