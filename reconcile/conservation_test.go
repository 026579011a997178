package reconcile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/refund-engine/reconcile"
)

func TestCheckConservation(t *testing.T) {
	tests := []struct {
		name                             string
		candidate, outstanding, remaining string
		accept                           bool
	}{
		{"fits with room", "50", "0", "100", true},
		{"fits exactly", "50", "50", "100", true},
		{"candidate alone overflows", "150", "0", "100", false},
		{"outstanding pushes it over", "60", "60", "100", false},
		{"one over the line", "51", "50", "100", false},
		{"nothing remaining", "1", "0", "0", false},
		{"zero candidate on empty books", "0", "0", "0", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := reconcile.CheckConservation("tx-1",
				dec(tc.candidate), dec(tc.outstanding), dec(tc.remaining))
			if tc.accept {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, reconcile.ErrAmountOverflow)

			var overflow *reconcile.AmountOverflowError
			require.ErrorAs(t, err, &overflow)
			assert.True(t, overflow.Candidate.Equal(dec(tc.candidate)))
			assert.True(t, overflow.Remaining.Equal(dec(tc.remaining)))
		})
	}
}

func TestSummarize(t *testing.T) {
	// GIVEN: A transaction of 300 with 100 returned, one live reservation of
	//        50 and one consumed linkage of 100
	// WHEN: Summarizing
	// THEN: The consumed linkage is not double counted against remaining

	tx := &reconcile.Transaction{ID: "tx-1", Amount: dec("300"), Returned: dec("100")}
	linkages := []*reconcile.OperationLinkage{
		{ID: "l-1", Amount: dec("100"), State: reconcile.LinkageConsumed},
		{ID: "l-2", Amount: dec("50"), State: reconcile.LinkageReserved},
	}

	s := reconcile.Summarize(tx, linkages)
	assert.True(t, s.Reserved.Equal(dec("50")))
	assert.True(t, s.Returned.Equal(dec("100")))
	assert.True(t, s.Remaining.Equal(dec("150")))
}
