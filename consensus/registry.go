package consensus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/metric"

	"github.com/atlys-org/atlys/logger"
	"github.com/atlys-org/atlys/observability"
)

const (
	InitialReputation  = 100.0
	MaxReputation      = 100.0
	ApprovalIncrement  = 1.0
	RejectionDecrement = 5.0
	// SlashPercent of the stake is forfeited when validator is slashed.
	SlashPercent = 50

	DefaultDampingWindow = time.Minute
)

type (
	RegistryOption func(*Registry)

	/*
	Registry is the table of validators. All mutations are serialized by the
	registry lock, callers only ever receive copies of the validator records.
	*/
	Registry struct {
		mu         sync.Mutex
		validators map[string]*ValidatorInfo
		slashes    map[string][]SlashEvent

		clock         clock.Clock
		dampingWindow time.Duration
		log           *slog.Logger

		mSlashes metric.Int64Counter
	}
)

func WithClock(clk clock.Clock) RegistryOption {
	return func(r *Registry) { r.clock = clk }
}

/*
WithDampingWindow sets the period after the last reputation update during
which new reputation updates are scaled down proportionally to the elapsed
time. Zero disables damping.
*/
func WithDampingWindow(d time.Duration) RegistryOption {
	return func(r *Registry) { r.dampingWindow = d }
}

func NewRegistry(obs Observability, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		validators:    make(map[string]*ValidatorInfo),
		slashes:       make(map[string][]SlashEvent),
		clock:         clock.New(),
		dampingWindow: DefaultDampingWindow,
		log:           obs.Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.dampingWindow < 0 {
		return nil, fmt.Errorf("damping window must not be negative, got %s", r.dampingWindow)
	}
	if err := r.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return r, nil
}

func (r *Registry) AddValidator(id string, stake uint64, publicKey []byte) error {
	if id == "" {
		return errors.New("validator id must be assigned")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.validators[id]; ok {
		return fmt.Errorf("%w: %s", ErrValidatorExists, id)
	}
	r.validators[id] = &ValidatorInfo{
		ID:         id,
		Stake:      stake,
		PublicKey:  slices.Clone(publicKey),
		Reputation: InitialReputation,
	}
	r.log.Debug(fmt.Sprintf("added validator with stake %d", stake), logger.Validator(id))
	return nil
}

func (r *Registry) Validator(id string) (ValidatorInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.validators[id]
	if !ok {
		return ValidatorInfo{}, fmt.Errorf("%w: %s", ErrValidatorNotFound, id)
	}
	return v.clone(), nil
}

// Validators returns all the validators (slashed ones included) in quorum order.
func (r *Registry) Validators() []ValidatorInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(*ValidatorInfo) bool { return true })
}

/*
SelectQuorum returns "n" active validators with the best standing, ie ordered
by reputation, stake (both descending) and id.
*/
func (r *Registry) SelectQuorum(n int) ([]ValidatorInfo, error) {
	if n <= 0 {
		return nil, fmt.Errorf("quorum size must be positive, got %d", n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	active := r.sorted(func(v *ValidatorInfo) bool { return !v.Slashed })
	if len(active) < n {
		return nil, &QuorumError{Required: n, Available: len(active)}
	}
	return active[:n], nil
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeCount()
}

func (r *Registry) activeCount() (cnt int) {
	for _, v := range r.validators {
		if !v.Slashed {
			cnt++
		}
	}
	return cnt
}

// TotalStake returns the sum of the stakes of the active validators.
func (r *Registry) TotalStake() (total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.validators {
		if !v.Slashed {
			total += v.Stake
		}
	}
	return total
}

/*
RecordVote updates the reputation of the validator according to its vote.
The change is scaled by min(1, elapsed/dampingWindow) where elapsed is time
since the previous update, validator which hasn't voted before gets full
weight. Reputation of a slashed validator stays zero.
*/
func (r *Registry) RecordVote(id string, approved bool) (ValidatorInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.validators[id]
	if !ok {
		return ValidatorInfo{}, fmt.Errorf("%w: %s", ErrValidatorNotFound, id)
	}

	now := r.clock.Now()
	if !v.Slashed {
		delta := -RejectionDecrement
		if approved {
			delta = ApprovalIncrement
		}
		v.Reputation = min(MaxReputation, max(0, v.Reputation+delta*r.dampingFactor(v, now)))
	}
	v.Validations++
	v.LastUpdate = now
	return v.clone(), nil
}

func (r *Registry) dampingFactor(v *ValidatorInfo, now time.Time) float64 {
	if v.LastUpdate.IsZero() || r.dampingWindow == 0 {
		return 1
	}
	elapsed := now.Sub(v.LastUpdate)
	return min(1, max(0, float64(elapsed)/float64(r.dampingWindow)))
}

/*
Slash marks the validator as slashed, resets its reputation and forfeits
SlashPercent of its stake. Slashing is irreversible, slashed validator is
never selected into quorum again.
*/
func (r *Registry) Slash(id string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.validators[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrValidatorNotFound, id)
	}
	if v.Slashed {
		return 0, fmt.Errorf("%w: %s", ErrAlreadySlashed, id)
	}

	forfeited := v.Stake * SlashPercent / 100
	r.slashes[id] = append(r.slashes[id], SlashEvent{
		Validator:  id,
		Forfeited:  forfeited,
		Reputation: v.Reputation,
		Time:       r.clock.Now(),
	})
	v.Stake -= forfeited
	v.Reputation = 0
	v.Slashed = true
	r.mSlashes.Add(context.Background(), 1, metric.WithAttributes(observability.Validator(id)))
	r.log.Warn(fmt.Sprintf("validator slashed, forfeited stake %d", forfeited), logger.Validator(id))
	return forfeited, nil
}

func (r *Registry) SlashEvents(id string) []SlashEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.slashes[id])
}

// sorted must be called holding the lock.
func (r *Registry) sorted(include func(*ValidatorInfo) bool) []ValidatorInfo {
	vs := make([]ValidatorInfo, 0, len(r.validators))
	for _, v := range r.validators {
		if include(v) {
			vs = append(vs, v.clone())
		}
	}
	slices.SortFunc(vs, func(a, b ValidatorInfo) int {
		if c := cmp.Compare(b.Reputation, a.Reputation); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Stake, a.Stake); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return vs
}

func (v *ValidatorInfo) clone() ValidatorInfo {
	c := *v
	c.PublicKey = slices.Clone(v.PublicKey)
	return c
}

func (r *Registry) initMetrics(obs Observability) (err error) {
	m := obs.Meter("consensus.registry")

	if r.mSlashes, err = m.Int64Counter("validator.slashes",
		metric.WithDescription("Number of validators slashed."),
		metric.WithUnit("{validator}")); err != nil {
		return fmt.Errorf("creating slashes counter: %w", err)
	}
	if _, err = m.Int64ObservableUpDownCounter("validator.active",
		metric.WithDescription("Number of validators which have not been slashed."),
		metric.WithUnit("{validator}"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			io.Observe(int64(r.ActiveCount()))
			return nil
		})); err != nil {
		return fmt.Errorf("creating active validators gauge: %w", err)
	}
	return nil
}
