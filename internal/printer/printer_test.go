package printer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dyluth/drey/pkg/ledger"
)

func TestError(t *testing.T) {
	t.Run("returns error carrying only the title", func(t *testing.T) {
		err := Error("Claim failed", "The decision is already claimed.", nil)
		require.Error(t, err)
		require.Equal(t, "Claim failed", err.Error())
	})

	t.Run("suggestions do not leak into the error", func(t *testing.T) {
		err := Error("Claim failed", "Explanation", []string{
			"Wait for the claim to lapse",
			"Ask the claimant to release it",
		})
		require.Equal(t, "Claim failed", err.Error())
	})
}

func TestFail(t *testing.T) {
	t.Run("ledger kind becomes the title", func(t *testing.T) {
		err := Fail(ledger.E(ledger.KindNotClaimable, "decision is claimed by bob"))
		require.Equal(t, "NotClaimable", err.Error())
	})

	t.Run("plain error keeps a generic title", func(t *testing.T) {
		err := Fail(ledger.E(ledger.KindInternal, "redis gone"))
		require.Equal(t, "Error", err.Error())
	})
}
