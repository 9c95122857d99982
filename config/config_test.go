package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultParamsValid(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())
}

func TestMainnetAndTestnetParamsValid(t *testing.T) {
	require.NoError(t, MainnetParams().Validate())
	require.NoError(t, TestnetParams().Validate())
}

func TestValidateRejectsZeroCommittee(t *testing.T) {
	p := DefaultParams()
	p.Pbft.CommitteeSize = 0
	require.ErrorIs(t, p.Validate(), ErrInvalidCommittee)
}

func TestValidateRejectsBadSortitionRange(t *testing.T) {
	p := DefaultParams()
	p.Sortition.Vrf.ThresholdRange = p.Sortition.Vrf.ThresholdUpper + 1
	require.ErrorIs(t, p.Validate(), ErrInvalidSortition)
}

func TestValidateRejectsInvertedDposDelays(t *testing.T) {
	p := DefaultParams()
	p.Dpos.WithdrawalDelay = 0
	p.Dpos.DepositDelay = 5
	require.ErrorIs(t, p.Validate(), ErrInvalidDpos)
}
