package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/atlys-org/atlys/logger"
)

/*
Miner mines the pending transactions of a ledger periodically, off the
critical path of transaction admission.
*/
type Miner struct {
	ledger        Ledger
	rewardAddress string
	interval      time.Duration
	clock         clock.Clock
	log           *slog.Logger
}

func NewMiner(l Ledger, rewardAddress string, interval time.Duration, clk clock.Clock, log *slog.Logger) (*Miner, error) {
	if l == nil {
		return nil, errors.New("ledger is nil")
	}
	if rewardAddress == "" {
		return nil, errors.New("reward address must be assigned")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("mining interval must be positive, got %s", interval)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Miner{
		ledger:        l,
		rewardAddress: rewardAddress,
		interval:      interval,
		clock:         clk,
		log:           log.With(logger.Chain(l.ID())),
	}, nil
}

/*
Run mines new block every interval when the ledger has pending transactions.
Blocks until ctx is cancelled, cancelling ctx also aborts the ongoing
proof-of-work search.
*/
func (m *Miner) Run(ctx context.Context) error {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.MineOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.log.WarnContext(ctx, "mining pending transactions", logger.Error(err))
			}
		}
	}
}

// MineOnce mines the pending transactions, returns false when there was nothing to mine.
func (m *Miner) MineOnce(ctx context.Context) (bool, error) {
	if m.ledger.PendingCount() == 0 {
		return false, nil
	}
	b, err := m.ledger.MinePending(ctx, m.rewardAddress)
	if err != nil {
		if errors.Is(err, ErrStaleTip) {
			m.log.DebugContext(ctx, "chain tip changed while mining, will retry")
			return false, nil
		}
		return false, err
	}
	m.log.InfoContext(ctx, fmt.Sprintf("mined block %d with %d transactions", b.Index, len(b.Transactions)))
	return true, nil
}
