package votes

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/signing"
	"github.com/fx-markets/refyield/pkg/types"
)

type fakeStore struct {
	ballots map[string]*types.Ballot
	nonces  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ballots: map[string]*types.Ballot{},
		nonces:  map[string]string{},
	}
}

func (f *fakeStore) PutBallot(ctx context.Context, b *types.Ballot) error {
	f.ballots[b.Voter] = b
	return nil
}

func (f *fakeStore) GetBallot(ctx context.Context, voter string) (*types.Ballot, error) {
	b, ok := f.ballots[voter]
	if !ok {
		return nil, fmt.Errorf("%w: no ballot", types.ErrNotFound)
	}
	return b, nil
}

func (f *fakeStore) ListVoters(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(f.ballots))
	for voter := range f.ballots {
		out = append(out, voter)
	}
	return out, nil
}

func (f *fakeStore) ConsumeNonce(ctx context.Context, signer, nonce string) error {
	if f.nonces[signer] != nonce {
		return fmt.Errorf("%w: nonce mismatch", types.ErrUnauthorized)
	}
	delete(f.nonces, signer)
	return nil
}

func (f *fakeStore) GetNonce(ctx context.Context, signer string) (string, error) {
	return f.nonces[signer], nil
}

type testSigner struct {
	key  *ecdsa.PrivateKey
	addr string
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &testSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

func (s *testSigner) sign(t *testing.T, v *signing.Verifier, primaryType string, msg apitypes.TypedDataMessage) string {
	t.Helper()
	digest, err := v.Digest(primaryType, msg)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, s.key)
	require.NoError(t, err)
	sig[64] += 27
	return hexutil.Encode(sig)
}

func newTestService(store *fakeStore) (*Service, *signing.Verifier) {
	verifier := signing.NewVerifier(1)
	return New(store, verifier, zap.NewNop()), verifier
}

func signedSubmit(t *testing.T, verifier *signing.Verifier, signer *testSigner, nonce string, allocations []types.VoteAllocation) SubmitRequest {
	t.Helper()
	normalized := signing.NormalizeAllocations(allocations)
	msg := signing.VoteMessage(signer.addr, nonce, normalized)
	return SubmitRequest{
		Voter:       signer.addr,
		Allocations: allocations,
		Nonce:       nonce,
		Signature:   signer.sign(t, verifier, signing.TypeVoteAllocation, msg),
	}
}

func TestSubmitStoresNormalizedBallot(t *testing.T) {
	store := newFakeStore()
	svc, verifier := newTestService(store)
	signer := newTestSigner(t)
	store.nonces[signer.addr] = "n-1"

	// Unsorted with a duplicate; the stored ballot is the normalized form
	req := signedSubmit(t, verifier, signer, "n-1", []types.VoteAllocation{
		{FeedID: "sol-usd", Points: 30},
		{FeedID: "eth-usd", Points: 10},
		{FeedID: "eth-usd", Points: 20},
	})

	ballot, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, ballot.Allocations, 2)
	assert.Equal(t, "eth-usd", ballot.Allocations[0].FeedID)
	assert.Equal(t, uint64(20), ballot.Allocations[0].Points)
	assert.Equal(t, "sol-usd", ballot.Allocations[1].FeedID)

	stored, err := svc.Ballot(context.Background(), signer.addr)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, ballot.Allocations, stored.Allocations)
}

func TestSubmitRejectsWrongSigner(t *testing.T) {
	store := newFakeStore()
	svc, verifier := newTestService(store)
	voter := newTestSigner(t)
	impostor := newTestSigner(t)
	store.nonces[voter.addr] = "n-1"

	allocations := []types.VoteAllocation{{FeedID: "eth-usd", Points: 10}}
	msg := signing.VoteMessage(voter.addr, "n-1", signing.NormalizeAllocations(allocations))
	req := SubmitRequest{
		Voter:       voter.addr,
		Allocations: allocations,
		Nonce:       "n-1",
		Signature:   impostor.sign(t, verifier, signing.TypeVoteAllocation, msg),
	}

	_, err := svc.Submit(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Empty(t, store.ballots)
}

func TestSubmitRejectsReplayedNonce(t *testing.T) {
	store := newFakeStore()
	svc, verifier := newTestService(store)
	signer := newTestSigner(t)
	store.nonces[signer.addr] = "n-1"

	req := signedSubmit(t, verifier, signer, "n-1", []types.VoteAllocation{{FeedID: "eth-usd", Points: 10}})
	_, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestResubmitReplacesBallot(t *testing.T) {
	store := newFakeStore()
	svc, verifier := newTestService(store)
	signer := newTestSigner(t)

	store.nonces[signer.addr] = "n-1"
	req := signedSubmit(t, verifier, signer, "n-1", []types.VoteAllocation{{FeedID: "eth-usd", Points: 10}})
	_, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)

	store.nonces[signer.addr] = "n-2"
	req = signedSubmit(t, verifier, signer, "n-2", []types.VoteAllocation{{FeedID: "btc-usd", Points: 40}})
	_, err = svc.Submit(context.Background(), req)
	require.NoError(t, err)

	ballot, err := svc.Ballot(context.Background(), signer.addr)
	require.NoError(t, err)
	require.Len(t, ballot.Allocations, 1)
	assert.Equal(t, "btc-usd", ballot.Allocations[0].FeedID)
}

func TestBallotNeverVotedIsNil(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	ballot, err := svc.Ballot(context.Background(), "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
	require.NoError(t, err)
	assert.Nil(t, ballot)
}

func TestTallyAggregatesAcrossVoters(t *testing.T) {
	store := newFakeStore()
	svc, verifier := newTestService(store)

	a := newTestSigner(t)
	b := newTestSigner(t)
	store.nonces[a.addr] = "n-a"
	store.nonces[b.addr] = "n-b"

	_, err := svc.Submit(context.Background(), signedSubmit(t, verifier, a, "n-a", []types.VoteAllocation{
		{FeedID: "eth-usd", Points: 30},
		{FeedID: "btc-usd", Points: 10},
	}))
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), signedSubmit(t, verifier, b, "n-b", []types.VoteAllocation{
		{FeedID: "eth-usd", Points: 15},
	}))
	require.NoError(t, err)

	tally, err := svc.Tally(context.Background())
	require.NoError(t, err)
	require.Len(t, tally, 2)
	assert.Equal(t, FeedTally{FeedID: "eth-usd", Points: 45, Voters: 2}, tally[0])
	assert.Equal(t, FeedTally{FeedID: "btc-usd", Points: 10, Voters: 1}, tally[1])
}
