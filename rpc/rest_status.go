package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/atlys-org/atlys/bridge"
	"github.com/atlys-org/atlys/consensus"
	"github.com/atlys-org/atlys/ledger"
	"github.com/atlys-org/atlys/logger"
	"github.com/atlys-org/atlys/types"
)

type (
	bridgeNode interface {
		Chains() []string
		Ledger(id string) (ledger.Ledger, error)
		Pending(chainID string) []*types.Transaction
		Transaction(hash string) (*types.Transaction, error)
	}

	validatorSet interface {
		Validators() []consensus.ValidatorInfo
	}

	chainInfo struct {
		ID           string `json:"id"`
		Height       uint64 `json:"height"`
		LatestHash   string `json:"latest_hash,omitempty"`
		PendingCount int    `json:"pending_count"` // admitted to the ledger, waiting to be mined
		QueueSize    int    `json:"queue_size"`    // validated by the bridge, waiting to be committed
	}

	integrityResponse struct {
		Chain  string  `json:"chain"`
		Valid  bool    `json:"valid"`
		Height uint64  `json:"height"`
		Index  *uint64 `json:"index,omitempty"` // first invalid block
		Reason string  `json:"reason,omitempty"`
	}

	balanceResponse struct {
		Chain   string `json:"chain"`
		Address string `json:"address"`
		Balance int64  `json:"balance"`
	}

	errorResponse struct {
		Message string `json:"message"`
	}
)

/*
StatusEndpoints registers the read-only status API of the bridge node. There
are no endpoints which change the state of the node.
*/
func StatusEndpoints(node bridgeNode, validators validatorSet, log *slog.Logger) RegistrarFunc {
	return func(r *mux.Router) {
		r.HandleFunc("/chains", listChains(node, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/chains/{id}", getChain(node, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/chains/{id}/integrity", getIntegrity(node, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/chains/{id}/blocks/{index:[0-9]+}", getBlock(node, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/chains/{id}/balances/{address}", getBalance(node, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/validators", listValidators(validators, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/transfers/{hash}", getTransfer(node, log)).Methods(http.MethodGet, http.MethodOptions)
	}
}

func listChains(node bridgeNode, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := node.Chains()
		chains := make([]chainInfo, 0, len(ids))
		for _, id := range ids {
			ci, err := chainSummary(node, id)
			if err != nil {
				writeError(w, err, log)
				return
			}
			chains = append(chains, ci)
		}
		writeResponse(w, chains, log)
	}
}

func getChain(node bridgeNode, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ci, err := chainSummary(node, mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err, log)
			return
		}
		writeResponse(w, ci, log)
	}
}

func chainSummary(node bridgeNode, id string) (chainInfo, error) {
	l, err := node.Ledger(id)
	if err != nil {
		return chainInfo{}, err
	}
	ci := chainInfo{
		ID:           id,
		Height:       l.Height(),
		PendingCount: l.PendingCount(),
		QueueSize:    len(node.Pending(id)),
	}
	if ci.Height > 0 {
		b, err := l.LatestBlock()
		if err != nil {
			return chainInfo{}, fmt.Errorf("reading latest block of chain %q: %w", id, err)
		}
		ci.LatestHash = b.Hash
	}
	return ci, nil
}

func getIntegrity(node bridgeNode, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		l, err := node.Ledger(id)
		if err != nil {
			writeError(w, err, log)
			return
		}
		rsp := integrityResponse{Chain: id, Valid: true}
		if err := l.ValidateIntegrity(); err != nil {
			var ie *ledger.IntegrityError
			if !errors.As(err, &ie) {
				writeError(w, err, log)
				return
			}
			rsp.Valid = false
			rsp.Index = &ie.Index
			rsp.Reason = ie.Reason.Error()
		}
		rsp.Height = l.Height()
		writeResponse(w, rsp, log)
	}
}

func getBlock(node bridgeNode, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		l, err := node.Ledger(vars["id"])
		if err != nil {
			writeError(w, err, log)
			return
		}
		index, err := strconv.ParseUint(vars["index"], 10, 64)
		if err != nil {
			writeErrorStatus(w, fmt.Errorf("invalid block index: %w", err), http.StatusBadRequest, log)
			return
		}
		b, err := l.Block(index)
		if err != nil {
			writeError(w, err, log)
			return
		}
		writeResponse(w, b, log)
	}
}

func getBalance(node bridgeNode, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		l, err := node.Ledger(vars["id"])
		if err != nil {
			writeError(w, err, log)
			return
		}
		balance, err := l.Balance(vars["address"])
		if err != nil {
			writeError(w, err, log)
			return
		}
		writeResponse(w, balanceResponse{Chain: vars["id"], Address: vars["address"], Balance: balance}, log)
	}
}

func listValidators(validators validatorSet, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, validators.Validators(), log)
	}
}

func getTransfer(node bridgeNode, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, err := node.Transaction(mux.Vars(r)["hash"])
		if err != nil {
			writeError(w, err, log)
			return
		}
		writeResponse(w, tx, log)
	}
}

func writeResponse(w http.ResponseWriter, data any, log *slog.Logger) {
	w.Header().Set(headerContentType, applicationJson)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		log.Warn("failed to write JSON response", logger.Error(err))
	}
}

// writeError maps the error to HTTP status code and writes it as JSON error response.
func writeError(w http.ResponseWriter, err error, log *slog.Logger) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bridge.ErrUnsupportedChain),
		errors.Is(err, bridge.ErrTxNotFound),
		errors.Is(err, ledger.ErrBlockNotFound):
		status = http.StatusNotFound
	}
	writeErrorStatus(w, err, status, log)
}

func writeErrorStatus(w http.ResponseWriter, err error, status int, log *slog.Logger) {
	w.Header().Set(headerContentType, applicationJson)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Message: err.Error()}); err != nil {
		log.Warn("failed to write JSON error response", logger.Error(err))
	}
}
