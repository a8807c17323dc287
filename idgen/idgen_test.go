package idgen_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/syncengine/idgen"
)

func TestNewIsOrderedWithinSameMillisecond(t *testing.T) {
	ids := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		ids = append(ids, idgen.New())
	}
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i], "event_id ordering must agree with creation order")
	}
}

func TestNewLooksLikeUUID(t *testing.T) {
	id := idgen.New()
	require.Len(t, id, 36)
	assert.Equal(t, byte('7'), id[14], "version nibble must be 7")
	variantNibble := id[19]
	assert.Contains(t, []byte("89ab"), variantNibble, "variant bits must be 10xx")
}

func TestTimestampRoundTrips(t *testing.T) {
	before := time.Now().UTC().Truncate(time.Millisecond)
	id := idgen.New()
	ts, ok := idgen.Timestamp(id)
	require.True(t, ok)
	assert.WithinDuration(t, before, ts, 2*time.Second)
}

func TestTimestampRejectsMalformed(t *testing.T) {
	_, ok := idgen.Timestamp("not-a-uuid")
	assert.False(t, ok)
}
