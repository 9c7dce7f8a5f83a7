package pitch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToleranceBoundary(t *testing.T) {
	assert.True(t, InTune(69, 40, 69, 40))
	assert.False(t, InTune(69, 41, 69, 40))
	assert.True(t, InTune(69, -40, 69, 40))
	assert.False(t, InTune(69, -41, 69, 40))
}

func TestOctaveInvariance(t *testing.T) {
	assert.True(t, InTune(69+12, 0, 69, 40))
	assert.True(t, InTune(69-12, 0, 69, 40))
	assert.False(t, InTune(70, 0, 69, 40))
}

func TestNoTargetChecksCentsOnly(t *testing.T) {
	assert.True(t, InTune(42, 10, NoTarget, 15))
	assert.False(t, InTune(42, 16, NoTarget, 15))
}

func TestNegativeIndexPitchClass(t *testing.T) {
	// Pitch-class matching must survive negative indices.
	assert.True(t, InTune(-3, 0, 9, 40))
}

func TestTierTolerance(t *testing.T) {
	assert.Equal(t, 40, Beginner.Tolerance())
	assert.Equal(t, 15, Pro.Tolerance())
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("pro")
	assert.NoError(t, err)
	assert.Equal(t, Pro, tier)

	_, err = ParseTier("virtuoso")
	assert.Error(t, err)
}
