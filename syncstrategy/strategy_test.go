package syncstrategy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/R3E-Network/syncengine/syncstrategy"
)

func TestCursorKeyNamespacesByRepository(t *testing.T) {
	assert.Equal(t, "user__a__last_sequence__notes", syncstrategy.CursorKey("user__a", "notes"))
	assert.NotEqual(t, syncstrategy.CursorKey("user__a", "notes"), syncstrategy.CursorKey("user__b", "notes"))
}
