package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVdfSolveAndVerify(t *testing.T) {
	message := []byte("pivot||difficulty||lambda_bound")
	sol, ok := Solve(message, 1, 8, nil)
	require.True(t, ok)
	require.NotNil(t, sol)
	require.True(t, Verify(message, 1, 8, sol))
}

func TestVdfVerifyRejectsWrongMessage(t *testing.T) {
	sol, ok := Solve([]byte("a"), 1, 4, nil)
	require.True(t, ok)
	require.False(t, Verify([]byte("b"), 1, 4, sol))
}

func TestVdfSolveCancellation(t *testing.T) {
	calls := 0
	cancel := func() bool {
		calls++
		return true
	}
	sol, ok := Solve([]byte("x"), 10, 100000, cancel)
	require.False(t, ok)
	require.Nil(t, sol)
}

func TestVrfProveAndVerify(t *testing.T) {
	sk, err := GenerateKey()
	require.NoError(t, err)
	addr := AddressFromPrivateKey(sk)

	proof, output, err := VrfProve([]byte("level||salt"), sk)
	require.NoError(t, err)
	require.True(t, VrfVerify([]byte("level||salt"), proof, addr, output))
	require.False(t, VrfVerify([]byte("other-input"), proof, addr, output))
}

func TestVrfThresholdDeterministic(t *testing.T) {
	sk, err := GenerateKey()
	require.NoError(t, err)
	_, out1, err := VrfProve([]byte("same"), sk)
	require.NoError(t, err)
	t1 := VrfThreshold(out1)
	require.NotZero(t, t1)
}
