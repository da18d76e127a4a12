package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStamp(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))

	e := Stamp(Entry{Action: ActionWalletLocked}, now)
	assert.NotEmpty(t, e.ID)
	assert.True(t, e.At.Equal(now))
	assert.Equal(t, time.UTC, e.At.Location())

	kept := Stamp(Entry{ID: "fixed", At: now.Add(-time.Hour)}, now)
	assert.Equal(t, "fixed", kept.ID)
	assert.True(t, kept.At.Equal(now.Add(-time.Hour)))
}

func TestFilter_PageSize(t *testing.T) {
	assert.Equal(t, 100, Filter{}.PageSize())
	assert.Equal(t, 100, Filter{Limit: -1}.PageSize())
	assert.Equal(t, 100, Filter{Limit: 5000}.PageSize())
	assert.Equal(t, 25, Filter{Limit: 25}.PageSize())
}

func TestNop(t *testing.T) {
	var l Log = Nop{}
	require.NoError(t, l.Append(context.Background(), Entry{}))
	entries, err := l.Query(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
