package consensus

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestNextBaseFeeUnchangedAtTarget(t *testing.T) {
	parentBaseFee := uint256.NewInt(1_000_000_000)
	got := nextBaseFee(parentBaseFee, 5_000_000, 10_000_000) // target = limit/2 = 5_000_000
	if !got.Eq(parentBaseFee) {
		t.Fatalf("expected unchanged base fee at target, got %s", got)
	}
}

func TestNextBaseFeeIncreasesAboveTarget(t *testing.T) {
	parentBaseFee := uint256.NewInt(1_000_000_000)
	got := nextBaseFee(parentBaseFee, 10_000_000, 10_000_000) // fully used, target 5_000_000
	if got.Cmp(parentBaseFee) <= 0 {
		t.Fatalf("expected base fee to increase above target usage, got %s (parent %s)", got, parentBaseFee)
	}
}

func TestNextBaseFeeDecreasesBelowTarget(t *testing.T) {
	parentBaseFee := uint256.NewInt(1_000_000_000)
	got := nextBaseFee(parentBaseFee, 0, 10_000_000)
	if got.Cmp(parentBaseFee) >= 0 {
		t.Fatalf("expected base fee to decrease below target usage, got %s (parent %s)", got, parentBaseFee)
	}
}

func TestNextBaseFeeSaturatesAtZero(t *testing.T) {
	parentBaseFee := uint256.NewInt(1)
	got := nextBaseFee(parentBaseFee, 0, 10_000_000)
	if got.Sign() < 0 {
		t.Fatalf("base fee must never go negative")
	}
}
