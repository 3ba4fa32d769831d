package consensus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/atlys-org/atlys/types"
)

var (
	ErrValidatorExists        = errors.New("validator already registered")
	ErrValidatorNotFound      = errors.New("validator not found")
	ErrAlreadySlashed         = errors.New("validator already slashed")
	ErrInsufficientValidators = errors.New("insufficient validators")
)

type (
	// ValidatorInfo is a snapshot of the validator state, the Registry owns the original.
	ValidatorInfo struct {
		ID          string      `json:"id"`
		Stake       uint64      `json:"stake"`
		PublicKey   types.Bytes `json:"public_key,omitempty"`
		Reputation  float64     `json:"reputation"`
		Slashed     bool        `json:"slashed"`
		Validations uint64      `json:"validations"`
		LastUpdate  time.Time   `json:"last_update"` // zero until the first vote is recorded
	}

	SlashEvent struct {
		Validator  string    `json:"validator"`
		Forfeited  uint64    `json:"forfeited"`
		Reputation float64   `json:"reputation"` // reputation at the time of slashing
		Time       time.Time `json:"time"`
	}

	// QuorumError is returned when there is not enough active validators to form a quorum.
	QuorumError struct {
		Required  int
		Available int
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}
)

func (e *QuorumError) Error() string {
	return fmt.Sprintf("%s: quorum requires %d active validators, %d available", ErrInsufficientValidators, e.Required, e.Available)
}

func (e *QuorumError) Unwrap() error {
	return ErrInsufficientValidators
}
