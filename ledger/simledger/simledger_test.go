package simledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"nhbrelay/core/types"
	"nhbrelay/crypto"
	"nhbrelay/ledger"
)

func TestSubmitAdvancesNextIndex(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	id := key.Identity()
	l := New()
	l.SetNextIndex(id.Address, 5)

	next, err := l.NextIndex(context.Background(), id.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(5), next)

	res, err := l.SignAndSubmit(context.Background(), id, types.Call{Module: "system", Method: "remark"}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, res.BlockHash)
	require.NotEmpty(t, res.TxHash)

	next, _ = l.NextIndex(context.Background(), id.Address)
	require.Equal(t, uint64(6), next)
	require.Equal(t, uint64(1), l.Height())
}

func TestSubmitRejectsStaleNonce(t *testing.T) {
	id := types.Identity{Address: "nhb1stale"}
	l := New()
	l.SetNextIndex(id.Address, 3)
	_, err := l.SignAndSubmit(context.Background(), id, types.Call{Module: "system", Method: "remark"}, 2)
	require.ErrorIs(t, err, ledger.ErrStaleNonce)
	require.Equal(t, ledger.OutcomeRetryable, ledger.Classify(err))
}

func TestSequenceScript(t *testing.T) {
	id := types.Identity{Address: "nhb1script"}
	l := New(WithScript(Sequence(ledger.ErrPriorityTooLow, &ledger.RejectionError{Reason: "bad"})))
	call := types.Call{Module: "system", Method: "remark"}

	_, err := l.SignAndSubmit(context.Background(), id, call, 0)
	require.ErrorIs(t, err, ledger.ErrPriorityTooLow)
	_, err = l.SignAndSubmit(context.Background(), id, call, 1)
	require.True(t, errors.Is(err, ledger.ErrCallRejected))
	_, err = l.SignAndSubmit(context.Background(), id, call, 2)
	require.NoError(t, err)

	subs := l.Submissions()
	require.Len(t, subs, 3)
	require.Equal(t, []uint64{0, 1, 2}, []uint64{subs[0].Nonce, subs[1].Nonce, subs[2].Nonce})
	require.Error(t, subs[0].Err)
	require.NoError(t, subs[2].Err)
}
