package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/atlys-org/atlys/crypto"
	"github.com/atlys-org/atlys/logger"
	"github.com/atlys-org/atlys/observability"
	"github.com/atlys-org/atlys/types"
)

const (
	DefaultMinValidators = 3
	// DefaultApprovalThreshold is the minimum share of approvals, in percent, for the transaction to pass.
	DefaultApprovalThreshold = 67
	DefaultSlashThreshold    = 20.0
)

type (
	EngineOption func(*engineConfig)

	engineConfig struct {
		minValidators     int
		approvalThreshold uint
		slashThreshold    float64
		maxAmount         uint64
		voter             Voter
	}

	/*
	Engine decides the validity of the transactions by reputation weighted
	quorum vote. Every decision goes through the phases

		requesting -> quorum selected -> voting -> decided

	and updates the reputation of the quorum members, members whose
	reputation drops below slash threshold by rejecting are slashed.
	*/
	Engine struct {
		registry *Registry
		cfg      engineConfig
		log      *slog.Logger
		tracer   trace.Tracer

		mu   sync.Mutex
		seen map[senderNonce]struct{} // nonces of the accepted transactions

		mDecisions metric.Int64Counter
		mVotes     metric.Int64Counter
	}

	senderNonce struct {
		sender string
		nonce  uint64
	}

	Vote struct {
		Validator string `json:"validator"`
		Approved  bool   `json:"approved"`
		Reason    string `json:"reason,omitempty"` // why the vote was rejection
	}

	Decision struct {
		TxHash    string          `json:"tx_hash"`
		Quorum    []ValidatorInfo `json:"quorum"`
		Votes     []Vote          `json:"votes"`
		Approvals int             `json:"approvals"`
		Ratio     uint            `json:"ratio"` // approvals in percent of the quorum, rounded half up
		Accepted  bool            `json:"accepted"`
		Slashed   []SlashEvent    `json:"slashed,omitempty"`
	}
)

func WithMinValidators(n int) EngineOption {
	return func(c *engineConfig) { c.minValidators = n }
}

/*
WithApprovalThreshold sets the minimum approval percentage for accepting a
transaction. The ratio is rounded half up to a whole percent before comparing
so 2 of 3 (66.67%) meets the default 67. In large quorums this also accepts
ratios up to half a percent below the threshold, ie 133 of 200 (66.5%).
*/
func WithApprovalThreshold(percent uint) EngineOption {
	return func(c *engineConfig) { c.approvalThreshold = percent }
}

func WithSlashThreshold(reputation float64) EngineOption {
	return func(c *engineConfig) { c.slashThreshold = reputation }
}

// WithMaxAmount sets the largest amount the default voter approves, zero means unlimited.
func WithMaxAmount(amount uint64) EngineOption {
	return func(c *engineConfig) { c.maxAmount = amount }
}

// WithVoter replaces the default voter which checks signature, amount and nonce.
func WithVoter(v Voter) EngineOption {
	return func(c *engineConfig) { c.voter = v }
}

/*
NewEngine creates consensus engine using validators of the "registry".
Transaction signatures are checked (by the default voter) using "verifier".
*/
func NewEngine(registry *Registry, verifier crypto.Verifier, obs Observability, opts ...EngineOption) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("validator registry must be assigned")
	}
	e := &Engine{
		registry: registry,
		cfg: engineConfig{
			minValidators:     DefaultMinValidators,
			approvalThreshold: DefaultApprovalThreshold,
			slashThreshold:    DefaultSlashThreshold,
		},
		log:    obs.Logger(),
		tracer: obs.Tracer("consensus"),
		seen:   make(map[senderNonce]struct{}),
	}
	for _, o := range opts {
		o(&e.cfg)
	}
	if e.cfg.minValidators < 1 {
		return nil, fmt.Errorf("minimum number of validators must be positive, got %d", e.cfg.minValidators)
	}
	if e.cfg.approvalThreshold > 100 {
		return nil, fmt.Errorf("approval threshold must be in range 0..100, got %d", e.cfg.approvalThreshold)
	}
	if e.cfg.voter == nil {
		if verifier == nil {
			return nil, crypto.ErrVerifierIsNil
		}
		e.cfg.voter = checkingVoter{verifier: verifier, maxAmount: e.cfg.maxAmount, nonceSeen: e.NonceSeen}
	}
	if err := e.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return e, nil
}

func (e *Engine) Registry() *Registry { return e.registry }

// NonceSeen returns true when transaction of "sender" with "nonce" has been accepted.
func (e *Engine) NonceSeen(sender string, nonce uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.seen[senderNonce{sender, nonce}]
	return ok
}

// markSeen returns false when the nonce was already marked.
func (e *Engine) markSeen(sender string, nonce uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := senderNonce{sender, nonce}
	if _, ok := e.seen[key]; ok {
		return false
	}
	e.seen[key] = struct{}{}
	return true
}

/*
Validate runs the quorum vote on "tx". Rejection is not an error, the only
errors returned are *QuorumError (not enough active validators) and context
cancellation. Failure of individual voter counts as rejection vote.
*/
func (e *Engine) Validate(ctx context.Context, tx *types.Transaction) (_ *Decision, rErr error) {
	if tx == nil {
		return nil, types.ErrTxIsNil
	}
	txHash := tx.Hash()
	ctx, span := e.tracer.Start(ctx, "Engine.Validate", trace.WithAttributes(observability.TxHash(txHash)))
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		span.End()
	}()

	if active := e.registry.ActiveCount(); active < e.cfg.minValidators {
		return nil, &QuorumError{Required: e.cfg.minValidators, Available: active}
	}
	quorum, err := e.registry.SelectQuorum(e.cfg.minValidators)
	if err != nil {
		return nil, err
	}
	span.AddEvent("quorum selected")

	votes, err := e.collectVotes(ctx, quorum, tx)
	if err != nil {
		return nil, err
	}
	span.AddEvent("votes collected")

	d := &Decision{TxHash: txHash, Quorum: quorum, Votes: votes}
	for _, v := range votes {
		e.mVotes.Add(ctx, 1, metric.WithAttributes(observability.Validator(v.Validator), attribute.Bool("approved", v.Approved)))
		info, err := e.registry.RecordVote(v.Validator, v.Approved)
		if err != nil {
			// quorum members are never removed from registry
			e.log.WarnContext(ctx, "recording vote", logger.Validator(v.Validator), logger.Error(err))
			continue
		}
		if v.Approved {
			d.Approvals++
			continue
		}
		if !info.Slashed && info.Reputation < e.cfg.slashThreshold {
			if _, err := e.registry.Slash(v.Validator); err != nil {
				// concurrent decision might have slashed it already
				if !errors.Is(err, ErrAlreadySlashed) {
					e.log.WarnContext(ctx, "slashing validator", logger.Validator(v.Validator), logger.Error(err))
				}
				continue
			}
			if evs := e.registry.SlashEvents(v.Validator); len(evs) > 0 {
				d.Slashed = append(d.Slashed, evs[len(evs)-1])
			}
		}
	}

	d.Ratio = approvalRatio(d.Approvals, len(votes))
	d.Accepted = d.Ratio >= e.cfg.approvalThreshold
	if d.Accepted && !e.markSeen(tx.Sender, tx.Nonce) {
		// another transaction with the same nonce was accepted while voting
		d.Accepted = false
	}
	span.SetAttributes(attribute.Bool("accepted", d.Accepted), attribute.Int("approvals", d.Approvals))
	e.mDecisions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("accepted", d.Accepted)))
	e.log.DebugContext(ctx, fmt.Sprintf("decided: accepted=%t, %d of %d approved (%d%%)", d.Accepted, d.Approvals, len(votes), d.Ratio), logger.TxHash(txHash))
	return d, nil
}

/*
collectVotes asks every quorum member for a vote concurrently. The votes are
returned in quorum order. Member which has been slashed after the quorum was
selected votes against.
*/
func (e *Engine) collectVotes(ctx context.Context, quorum []ValidatorInfo, tx *types.Transaction) ([]Vote, error) {
	votes := make([]Vote, len(quorum))
	var g errgroup.Group
	for i, member := range quorum {
		g.Go(func() error {
			votes[i] = Vote{Validator: member.ID}
			if info, err := e.registry.Validator(member.ID); err != nil || info.Slashed {
				votes[i].Reason = "validator is slashed"
				return nil
			}
			ok, err := e.cfg.voter.Vote(ctx, member, tx.Clone())
			switch {
			case err != nil:
				votes[i].Reason = err.Error()
			case !ok:
				votes[i].Reason = "rejected"
			default:
				votes[i].Approved = true
			}
			return nil
		})
	}
	_ = g.Wait() // voters never fail the group
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("collecting votes: %w", err)
	}
	return votes, nil
}

// approvalRatio returns "approvals" as percent of "total", rounded half up.
func approvalRatio(approvals, total int) uint {
	if total <= 0 {
		return 0
	}
	return uint((approvals*100 + total/2) / total) // #nosec G115
}

func (e *Engine) initMetrics(obs Observability) (err error) {
	m := obs.Meter("consensus")

	if e.mDecisions, err = m.Int64Counter("decisions",
		metric.WithDescription("Number of consensus decisions, by outcome."),
		metric.WithUnit("{decision}")); err != nil {
		return fmt.Errorf("creating decisions counter: %w", err)
	}
	if e.mVotes, err = m.Int64Counter("votes",
		metric.WithDescription("Number of votes cast by validators."),
		metric.WithUnit("{vote}")); err != nil {
		return fmt.Errorf("creating votes counter: %w", err)
	}
	return nil
}
