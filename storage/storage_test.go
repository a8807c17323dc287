package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/R3E-Network/syncengine/storage"
)

func TestSanitizeNamespaceLowercasesAndPrefixes(t *testing.T) {
	assert.Equal(t, "user__team-a", storage.SanitizeNamespace("Team-A"))
}

func TestSanitizeNamespaceReplacesInvalidChars(t *testing.T) {
	assert.Equal(t, "user__a_b_c", storage.SanitizeNamespace("a b/c"))
}

func TestSanitizeNamespaceEmptyFallsBackToDefault(t *testing.T) {
	assert.Equal(t, storage.DefaultNamespace, storage.SanitizeNamespace(""))
}

func TestSanitizeNamespaceKeepsValidCharsAndPrefixes(t *testing.T) {
	got := storage.SanitizeNamespace("already-valid_123")
	assert.Equal(t, "user__already-valid_123", got)
}
