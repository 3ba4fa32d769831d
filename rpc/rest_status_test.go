package rpc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/atlys-org/atlys/bridge"
	"github.com/atlys-org/atlys/consensus"
	testobserve "github.com/atlys-org/atlys/internal/testutils/observability"
	testsig "github.com/atlys-org/atlys/internal/testutils/sig"
	"github.com/atlys-org/atlys/keyvaluedb/memorydb"
	"github.com/atlys-org/atlys/ledger"
	"github.com/atlys-org/atlys/types"
)

type acceptAll struct{}

func (acceptAll) Validate(ctx context.Context, tx *types.Transaction) (*consensus.Decision, error) {
	return &consensus.Decision{TxHash: tx.Hash(), Accepted: true, Approvals: 3, Ratio: 100}, nil
}

type testEnv struct {
	bridge   *bridge.Bridge
	chains   map[string]*ledger.Chain
	dbs      map[string]*memorydb.MemoryDB
	registry *consensus.Registry
	obs      *testobserve.Observability
	handler  http.Handler
}

func newTestEnv(t *testing.T, registrars ...Registrar) *testEnv {
	t.Helper()
	env := &testEnv{
		chains: map[string]*ledger.Chain{},
		dbs:    map[string]*memorydb.MemoryDB{},
		obs:    testobserve.Default(t),
	}
	signer, _ := testsig.CreateSignerAndVerifier(t)
	var err error
	env.bridge, err = bridge.New(signer, acceptAll{}, env.obs)
	require.NoError(t, err)
	env.registry, err = consensus.NewRegistry(env.obs)
	require.NoError(t, err)
	require.NoError(t, env.registry.AddValidator("v1", 10, []byte{1}))
	require.NoError(t, env.registry.AddValidator("v2", 20, []byte{2}))

	for _, id := range []string{"sol", "eth"} {
		db := memorydb.New()
		c, err := ledger.NewChain(id, env.bridge.Verifier(), env.obs, ledger.WithDifficulty(1), ledger.WithDB(db))
		require.NoError(t, err)
		_, err = c.AppendGenesis(context.Background())
		require.NoError(t, err)
		require.NoError(t, env.bridge.RegisterChain(id, c))
		env.chains[id], env.dbs[id] = c, db
	}

	registrars = append(registrars, StatusEndpoints(env.bridge, env.registry, env.obs.Logger()))
	env.handler = NewRESTServer("", MaxBodySize, env.obs, env.obs.Logger(), registrars...).Handler
	return env
}

func (env *testEnv) get(t *testing.T, path string, status int, rsp any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, req)
	require.Equal(t, status, recorder.Code, recorder.Body.String())
	if rsp != nil {
		require.NoError(t, json.NewDecoder(recorder.Body).Decode(rsp))
	}
}

func TestStatusEndpoints_Chains(t *testing.T) {
	env := newTestEnv(t)

	var chains []chainInfo
	env.get(t, "/api/v1/chains", http.StatusOK, &chains)
	require.Len(t, chains, 2)
	require.Equal(t, "eth", chains[0].ID)
	require.Equal(t, "sol", chains[1].ID)
	genesis, err := env.chains["eth"].LatestBlock()
	require.NoError(t, err)
	require.Equal(t, chainInfo{ID: "eth", Height: 1, LatestHash: genesis.Hash}, chains[0])

	_, err = env.bridge.InitiateTransfer(context.Background(), bridge.TransferRequest{SourceChain: "eth", DestinationChain: "sol", Sender: "alice", Receiver: "bob", Amount: 5})
	require.NoError(t, err)
	var ci chainInfo
	env.get(t, "/api/v1/chains/eth", http.StatusOK, &ci)
	require.Equal(t, 1, ci.QueueSize)
	require.Zero(t, ci.PendingCount)

	env.bridge.ProcessPending(context.Background())
	env.get(t, "/api/v1/chains/eth", http.StatusOK, &ci)
	require.Zero(t, ci.QueueSize)
	require.Equal(t, 1, ci.PendingCount)

	var er errorResponse
	env.get(t, "/api/v1/chains/btc", http.StatusNotFound, &er)
	require.Equal(t, `chain "btc": unsupported chain`, er.Message)

	require.EqualValues(t, 1, env.obs.Sum(t, "calls", semconv.HTTPRoute("/api/v1/chains")))
	require.EqualValues(t, 3, env.obs.Sum(t, "calls", semconv.HTTPRoute("/api/v1/chains/{id}")))
}

func TestStatusEndpoints_BlocksAndBalances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.bridge.InitiateTransfer(ctx, bridge.TransferRequest{SourceChain: "eth", DestinationChain: "sol", Sender: "alice", Receiver: "bob", Amount: 50})
	require.NoError(t, err)
	require.Equal(t, bridge.Report{Committed: 1}, env.bridge.ProcessPending(ctx))
	for _, c := range env.chains {
		_, err := c.MinePending(ctx, "miner")
		require.NoError(t, err)
	}

	var br balanceResponse
	env.get(t, "/api/v1/chains/sol/balances/bob", http.StatusOK, &br)
	require.Equal(t, balanceResponse{Chain: "sol", Address: "bob", Balance: 50}, br)
	env.get(t, "/api/v1/chains/eth/balances/alice", http.StatusOK, &br)
	require.EqualValues(t, -50, br.Balance)
	env.get(t, "/api/v1/chains/btc/balances/alice", http.StatusNotFound, nil)

	var b types.Block
	env.get(t, "/api/v1/chains/eth/blocks/1", http.StatusOK, &b)
	require.EqualValues(t, 1, b.Index)
	require.Len(t, b.Transactions, 2)
	require.Equal(t, b.CalculateHash(), b.Hash)

	env.get(t, "/api/v1/chains/eth/blocks/2", http.StatusNotFound, nil)
	env.get(t, "/api/v1/chains/eth/blocks/x", http.StatusNotFound, nil)
	env.get(t, "/api/v1/chains/eth/blocks/99999999999999999999", http.StatusBadRequest, nil)
}

func TestStatusEndpoints_Integrity(t *testing.T) {
	env := newTestEnv(t)

	var ir integrityResponse
	env.get(t, "/api/v1/chains/eth/integrity", http.StatusOK, &ir)
	require.Equal(t, integrityResponse{Chain: "eth", Valid: true, Height: 1}, ir)

	genesis, err := env.chains["eth"].Block(0)
	require.NoError(t, err)
	genesis.Timestamp++
	require.NoError(t, env.dbs["eth"].Write(binary.BigEndian.AppendUint64(nil, 0), genesis))

	ir = integrityResponse{}
	env.get(t, "/api/v1/chains/eth/integrity", http.StatusOK, &ir)
	require.False(t, ir.Valid)
	require.NotNil(t, ir.Index)
	require.Zero(t, *ir.Index)
	require.Contains(t, ir.Reason, "does not match calculated hash")

	env.get(t, "/api/v1/chains/btc/integrity", http.StatusNotFound, nil)
}

func TestStatusEndpoints_Transfers(t *testing.T) {
	env := newTestEnv(t)
	tx, err := env.bridge.InitiateTransfer(context.Background(), bridge.TransferRequest{SourceChain: "eth", DestinationChain: "eth", Sender: "alice", Receiver: "bob", Amount: 5})
	require.NoError(t, err)

	var rsp types.Transaction
	env.get(t, "/api/v1/transfers/"+tx.Hash(), http.StatusOK, &rsp)
	require.Equal(t, tx, &rsp)
	require.Equal(t, types.TxValidated, rsp.Status)

	var er errorResponse
	env.get(t, "/api/v1/transfers/abc", http.StatusNotFound, &er)
	require.Equal(t, "transaction not found: abc", er.Message)
}

func TestStatusEndpoints_Validators(t *testing.T) {
	env := newTestEnv(t)
	var validators []consensus.ValidatorInfo
	env.get(t, "/api/v1/validators", http.StatusOK, &validators)
	require.Len(t, validators, 2)
	require.Equal(t, "v2", validators[0].ID)
	require.EqualValues(t, 20, validators[0].Stake)
	require.Equal(t, types.Bytes{2}, validators[0].PublicKey)
	require.Equal(t, consensus.InitialReputation, validators[1].Reputation)
}

func TestMetricsEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	cnt := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})
	reg.MustRegister(cnt)
	cnt.Inc()

	env := newTestEnv(t, MetricsEndpoints(reg))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), "test_counter 1")

	// nothing is registered without registry
	env = newTestEnv(t, MetricsEndpoints(nil))
	env.get(t, "/api/v1/metrics", http.StatusNotFound, nil)
}
