package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/atlys-org/atlys/crypto"
	testobserve "github.com/atlys-org/atlys/internal/testutils/observability"
	testsig "github.com/atlys-org/atlys/internal/testutils/sig"
	"github.com/atlys-org/atlys/types"
)

type engineEnv struct {
	registry *Registry
	clock    *clock.Mock
	signer   crypto.Signer
	verifier crypto.Verifier
	obs      *testobserve.Observability
}

// newEngineEnv creates registry with validators "v1", "v2", "v3" (quorum in that order).
func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()
	env := &engineEnv{obs: testobserve.Default(t)}
	env.signer, env.verifier = testsig.CreateSignerAndVerifier(t)
	env.registry, env.clock = newTestRegistry(t)
	require.NoError(t, env.registry.AddValidator("v1", 30, nil))
	require.NoError(t, env.registry.AddValidator("v2", 20, nil))
	require.NoError(t, env.registry.AddValidator("v3", 10, nil))
	return env
}

func (env *engineEnv) newEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	e, err := NewEngine(env.registry, env.verifier, env.obs, opts...)
	require.NoError(t, err)
	return e
}

func (env *engineEnv) signedTx(t *testing.T, nonce, amount uint64) *types.Transaction {
	t.Helper()
	return testsig.SignTx(t, env.signer, &types.Transaction{
		SourceChain:      "a",
		DestinationChain: "b",
		Sender:           "alice",
		Receiver:         "bob",
		Amount:           amount,
		TokenSymbol:      types.NativeToken.Symbol,
		Nonce:            nonce,
		Timestamp:        1714521600000,
	})
}

// votesBy returns voter which approves when "votes" has true for the validator.
func votesBy(votes map[string]bool) Voter {
	return VoterFunc(func(ctx context.Context, v ValidatorInfo, tx *types.Transaction) (bool, error) {
		return votes[v.ID], nil
	})
}

func TestNewEngine(t *testing.T) {
	env := newEngineEnv(t)
	obs := testobserve.NOPObservability()

	_, err := NewEngine(nil, env.verifier, obs)
	require.EqualError(t, err, "validator registry must be assigned")
	_, err = NewEngine(env.registry, nil, obs)
	require.ErrorIs(t, err, crypto.ErrVerifierIsNil)
	_, err = NewEngine(env.registry, env.verifier, obs, WithMinValidators(0))
	require.EqualError(t, err, "minimum number of validators must be positive, got 0")
	_, err = NewEngine(env.registry, env.verifier, obs, WithApprovalThreshold(101))
	require.EqualError(t, err, "approval threshold must be in range 0..100, got 101")

	// custom voter doesn't need verifier
	e, err := NewEngine(env.registry, nil, obs, WithVoter(votesBy(nil)))
	require.NoError(t, err)
	require.Same(t, env.registry, e.Registry())
}

func TestEngine_Validate_Threshold(t *testing.T) {
	var testCases = []struct {
		name     string
		votes    map[string]bool
		accepted bool
		ratio    uint
	}{
		{name: "unanimous", votes: map[string]bool{"v1": true, "v2": true, "v3": true}, accepted: true, ratio: 100},
		{name: "two of three", votes: map[string]bool{"v1": true, "v2": true}, accepted: true, ratio: 67},
		{name: "one of three", votes: map[string]bool{"v3": true}, accepted: false, ratio: 33},
		{name: "none", votes: map[string]bool{}, accepted: false, ratio: 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newEngineEnv(t)
			e := env.newEngine(t, WithVoter(votesBy(tc.votes)))
			d, err := e.Validate(context.Background(), env.signedTx(t, 1, 10))
			require.NoError(t, err)
			require.Equal(t, tc.accepted, d.Accepted)
			require.Equal(t, tc.ratio, d.Ratio)
			require.Equal(t, []string{"v1", "v2", "v3"}, ids(d.Quorum))
			require.Len(t, d.Votes, 3)
			for _, v := range d.Votes {
				require.Equal(t, tc.votes[v.Validator], v.Approved, v.Validator)
				info, err := env.registry.Validator(v.Validator)
				require.NoError(t, err)
				require.EqualValues(t, 1, info.Validations)
				if v.Approved {
					require.Equal(t, MaxReputation, info.Reputation)
				} else {
					require.Equal(t, InitialReputation-RejectionDecrement, info.Reputation)
					require.Equal(t, "rejected", v.Reason)
				}
			}
			require.Equal(t, tc.accepted, e.NonceSeen("alice", 1))
			require.Empty(t, d.Slashed)
		})
	}
}

func TestEngine_Validate_DefaultVoter(t *testing.T) {
	env := newEngineEnv(t)
	e := env.newEngine(t, WithMaxAmount(1000))
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		d, err := e.Validate(ctx, env.signedTx(t, 1, 10))
		require.NoError(t, err)
		require.True(t, d.Accepted)
		require.Equal(t, 3, d.Approvals)
		require.True(t, e.NonceSeen("alice", 1))
	})

	t.Run("replayed nonce", func(t *testing.T) {
		env.clock.Add(time.Hour)
		d, err := e.Validate(ctx, env.signedTx(t, 1, 11))
		require.NoError(t, err)
		require.False(t, d.Accepted)
		require.Contains(t, d.Votes[0].Reason, "nonce already used")
	})

	t.Run("unsigned", func(t *testing.T) {
		env.clock.Add(time.Hour)
		tx := env.signedTx(t, 2, 10)
		tx.Signature = nil
		d, err := e.Validate(ctx, tx)
		require.NoError(t, err)
		require.False(t, d.Accepted)
		require.Zero(t, d.Approvals)
		require.Equal(t, "signature is missing or invalid", d.Votes[1].Reason)
		require.False(t, e.NonceSeen("alice", 2))
	})

	t.Run("tampered", func(t *testing.T) {
		env.clock.Add(time.Hour)
		tx := env.signedTx(t, 3, 10)
		tx.Receiver = "mallory"
		d, err := e.Validate(ctx, tx)
		require.NoError(t, err)
		require.False(t, d.Accepted)
	})

	t.Run("signed by unknown key", func(t *testing.T) {
		env.clock.Add(time.Hour)
		other, _ := testsig.CreateSignerAndVerifier(t)
		tx := testsig.SignTx(t, other, env.signedTx(t, 4, 10))
		d, err := e.Validate(ctx, tx)
		require.NoError(t, err)
		require.False(t, d.Accepted)
	})

	t.Run("amount over limit", func(t *testing.T) {
		env.clock.Add(time.Hour)
		d, err := e.Validate(ctx, env.signedTx(t, 5, 1001))
		require.NoError(t, err)
		require.False(t, d.Accepted)
		require.Equal(t, "amount exceeds limit: 1001 > 1000", d.Votes[2].Reason)
	})
}

func TestEngine_Validate_VoterError(t *testing.T) {
	env := newEngineEnv(t)
	e := env.newEngine(t, WithVoter(VoterFunc(func(ctx context.Context, v ValidatorInfo, tx *types.Transaction) (bool, error) {
		if v.ID == "v2" {
			return true, errors.New("validator offline")
		}
		return true, nil
	})))
	d, err := e.Validate(context.Background(), env.signedTx(t, 1, 10))
	require.NoError(t, err)
	require.True(t, d.Accepted)
	require.Equal(t, 2, d.Approvals)
	require.Equal(t, Vote{Validator: "v2", Reason: "validator offline"}, d.Votes[1])
}

func TestEngine_Validate_InsufficientValidators(t *testing.T) {
	env := newEngineEnv(t)
	e := env.newEngine(t, WithMinValidators(4))
	d, err := e.Validate(context.Background(), env.signedTx(t, 1, 10))
	require.ErrorIs(t, err, ErrInsufficientValidators)
	require.Equal(t, &QuorumError{Required: 4, Available: 3}, err)
	require.Nil(t, d)

	_, err = e.Validate(context.Background(), nil)
	require.ErrorIs(t, err, types.ErrTxIsNil)
}

func TestEngine_Validate_Cancelled(t *testing.T) {
	env := newEngineEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	e := env.newEngine(t, WithVoter(VoterFunc(func(ctx context.Context, v ValidatorInfo, tx *types.Transaction) (bool, error) {
		cancel()
		<-ctx.Done()
		return false, ctx.Err()
	})))
	d, err := e.Validate(ctx, env.signedTx(t, 1, 10))
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, d)

	// reputations are not touched when decision wasn't reached
	for _, v := range env.registry.Validators() {
		require.Zero(t, v.Validations)
	}
}

func TestEngine_Validate_Slashing(t *testing.T) {
	env := newEngineEnv(t)
	e := env.newEngine(t, WithVoter(votesBy(map[string]bool{"v1": true, "v2": true})))
	ctx := context.Background()

	// v3 rejects every time, with full weight it takes 17 rejections to drop below 20
	for i := range 16 {
		env.clock.Add(2 * DefaultDampingWindow)
		d, err := e.Validate(ctx, env.signedTx(t, uint64(i), 10))
		require.NoError(t, err)
		require.True(t, d.Accepted)
		require.Empty(t, d.Slashed, "round %d", i)
	}
	v3, err := env.registry.Validator("v3")
	require.NoError(t, err)
	require.Equal(t, 20.0, v3.Reputation)
	require.False(t, v3.Slashed)

	env.clock.Add(2 * DefaultDampingWindow)
	d, err := e.Validate(ctx, env.signedTx(t, 16, 10))
	require.NoError(t, err)
	require.True(t, d.Accepted)
	require.Equal(t, []SlashEvent{{Validator: "v3", Forfeited: 5, Reputation: 15, Time: env.clock.Now()}}, d.Slashed)

	v3, err = env.registry.Validator("v3")
	require.NoError(t, err)
	require.True(t, v3.Slashed)
	require.Zero(t, v3.Reputation)
	require.EqualValues(t, 5, v3.Stake)
	require.Len(t, env.registry.SlashEvents("v3"), 1)

	// slashed validator is excluded, not enough validators left
	_, err = e.Validate(ctx, env.signedTx(t, 17, 10))
	require.ErrorIs(t, err, ErrInsufficientValidators)

	require.NoError(t, env.registry.AddValidator("v4", 1, nil))
	d, err = e.Validate(ctx, env.signedTx(t, 18, 10))
	require.NoError(t, err)
	require.Equal(t, []string{"v1", "v2", "v4"}, ids(d.Quorum))
	require.Len(t, env.registry.SlashEvents("v3"), 1)
}

func TestEngine_collectVotes_SlashedMember(t *testing.T) {
	env := newEngineEnv(t)
	e := env.newEngine(t, WithVoter(votesBy(map[string]bool{"v1": true, "v2": true, "v3": true})))
	quorum, err := env.registry.SelectQuorum(3)
	require.NoError(t, err)
	_, err = env.registry.Slash("v2")
	require.NoError(t, err)

	votes, err := e.collectVotes(context.Background(), quorum, env.signedTx(t, 1, 1))
	require.NoError(t, err)
	require.Equal(t, []Vote{
		{Validator: "v1", Approved: true},
		{Validator: "v2", Reason: "validator is slashed"},
		{Validator: "v3", Approved: true},
	}, votes)
}

func TestEngine_Metrics(t *testing.T) {
	env := newEngineEnv(t)
	e := env.newEngine(t, WithVoter(votesBy(map[string]bool{"v1": true, "v2": true})))
	for i := range 2 {
		_, err := e.Validate(context.Background(), env.signedTx(t, uint64(i), 1))
		require.NoError(t, err)
	}
	require.EqualValues(t, 2, env.obs.Sum(t, "decisions", attribute.Bool("accepted", true)))
	require.EqualValues(t, 4, env.obs.Sum(t, "votes", attribute.Bool("approved", true)))
	require.EqualValues(t, 2, env.obs.Sum(t, "votes", attribute.Bool("approved", false)))
}

func Test_approvalRatio(t *testing.T) {
	var testCases = []struct {
		approvals, total int
		want             uint
	}{
		{approvals: 2, total: 3, want: 67},
		{approvals: 1, total: 3, want: 33},
		{approvals: 3, total: 3, want: 100},
		{approvals: 1, total: 2, want: 50},
		{approvals: 5, total: 8, want: 63},
		{approvals: 0, total: 0, want: 0},
		// rounding admits ratios just below the threshold in large quorums
		{approvals: 133, total: 200, want: 67},
		{approvals: 132, total: 200, want: 66},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, approvalRatio(tc.approvals, tc.total), "%d/%d", tc.approvals, tc.total)
	}
}
