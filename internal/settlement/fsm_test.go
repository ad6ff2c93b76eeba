package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	tests := map[Status]Effect{
		StatusInit:         EffectPlaceRemote,
		StatusPending:      EffectCheckFill,
		StatusApproving:    EffectApproveLocal,
		StatusTransmission: EffectTransfer,
		StatusCompleted:    EffectNone,
		StatusCanceled:     EffectNone,
		StatusAbandoned:    EffectNone,
	}
	for status, want := range tests {
		assert.Equal(t, want, Decide(status), "status %s", status)
	}
}

func TestTransition(t *testing.T) {
	three := decimal.NewFromInt(3)
	tests := []struct {
		name string
		from Status
		obs  Observation
		want Status
	}{
		{"init filled", StatusInit, Observation{Requested: three, Filled: three}, StatusApproving},
		{"init overfilled", StatusInit, Observation{Requested: three, Filled: decimal.NewFromInt(4)}, StatusApproving},
		{"init partial", StatusInit, Observation{Requested: three, Filled: decimal.NewFromInt(1)}, StatusPending},
		{"init unfilled", StatusInit, Observation{Requested: three}, StatusPending},
		{"pending filled", StatusPending, Observation{Requested: three, Filled: three}, StatusApproving},
		{"pending partial", StatusPending, Observation{Requested: three, Filled: decimal.RequireFromString("2.999")}, StatusPending},
		{"approving done", StatusApproving, Observation{Done: true}, StatusTransmission},
		{"approving not done", StatusApproving, Observation{}, StatusApproving},
		{"transmission done", StatusTransmission, Observation{Done: true}, StatusCompleted},
		{"completed stays", StatusCompleted, Observation{Done: true}, StatusCompleted},
		{"canceled stays", StatusCanceled, Observation{Requested: three, Filled: three}, StatusCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transition(tt.from, tt.obs))
		})
	}
}

func TestStatus(t *testing.T) {
	for _, s := range ActiveStatuses {
		assert.False(t, s.Terminal(), "%s", s)
	}
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusAbandoned.Terminal())

	s, err := ParseStatus("transmission")
	assert.NoError(t, err)
	assert.Equal(t, StatusTransmission, s)
	_, err = ParseStatus("done")
	assert.Error(t, err)
}
