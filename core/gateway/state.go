package gateway

import (
	"fmt"

	herrors "github.com/davidahmann/handoff/core/errors"
	"go.uber.org/zap"
)

// Stage is the position of a single mutating request. Nothing carries over
// between requests.
type Stage string

const (
	StageReceived  Stage = "received"
	StageValidated Stage = "validated"
	StageRejected  Stage = "rejected"
	StageChecked   Stage = "checked"
	StageReported  Stage = "reported"
	StageApplied   Stage = "applied"
	StageFailed    Stage = "failed"
)

var allowedTransitions = map[Stage]map[Stage]struct{}{
	StageReceived: {
		StageValidated: {},
		StageRejected:  {},
	},
	StageValidated: {
		StageChecked:  {},
		StageRejected: {},
	},
	StageChecked: {
		StageReported: {},
		StageApplied:  {},
		StageFailed:   {},
	},
	StageRejected: {},
	StageReported: {},
	StageApplied:  {},
	StageFailed:   {},
}

func IsTerminal(stage Stage) bool {
	next, ok := allowedTransitions[stage]
	return ok && len(next) == 0
}

func ValidateTransition(from, to Stage) error {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return herrors.New(
			herrors.EGenericFailure,
			fmt.Sprintf("unknown request stage %q", from),
			map[string]any{"from": from, "to": to},
		)
	}
	if _, ok := allowed[to]; !ok {
		return herrors.New(
			herrors.EGenericFailure,
			fmt.Sprintf("invalid request stage transition %q -> %q", from, to),
			map[string]any{"from": from, "to": to},
		)
	}
	return nil
}

type flow struct {
	op    string
	stage Stage
	log   *zap.Logger
}

func newFlow(op string, log *zap.Logger) *flow {
	return &flow{op: op, stage: StageReceived, log: log}
}

// to moves the request forward. An illegal move is a programming error and
// is logged rather than surfaced to the caller.
func (f *flow) to(next Stage) {
	if err := ValidateTransition(f.stage, next); err != nil {
		f.log.Error("request stage", zap.String("op", f.op), zap.Error(err))
		return
	}
	f.stage = next
	if IsTerminal(next) {
		f.log.Info("request finished", zap.String("op", f.op), zap.String("stage", string(next)))
	}
}
