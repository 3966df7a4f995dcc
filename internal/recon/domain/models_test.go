package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultStatusTransitions(t *testing.T) {
	allowed := map[[2]ResultStatus]bool{
		{ResultStatusNew, ResultStatusReviewed}:            true,
		{ResultStatusNew, ResultStatusDismissed}:           true,
		{ResultStatusReviewed, ResultStatusActionDrafted}:  true,
		{ResultStatusReviewed, ResultStatusDismissed}:      true,
		{ResultStatusActionDrafted, ResultStatusActionSent}: true,
	}

	statuses := []ResultStatus{
		ResultStatusNew,
		ResultStatusReviewed,
		ResultStatusActionDrafted,
		ResultStatusActionSent,
		ResultStatusDismissed,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]ResultStatus{from, to}]
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestResultStatusValid(t *testing.T) {
	assert.True(t, ResultStatusNew.Valid())
	assert.True(t, ResultStatusDismissed.Valid())
	assert.False(t, ResultStatus("SHIPPED").Valid())
	assert.False(t, ResultStatus("").Valid())
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
}
