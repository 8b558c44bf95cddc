package gateway

import (
	"github.com/davidahmann/handoff/core/config"
	herrors "github.com/davidahmann/handoff/core/errors"
)

// Capability names a gated group of endpoints.
type Capability string

const (
	CapGit          Capability = "git"
	CapPlanValidate Capability = "plan_validate"
	CapPlanApply    Capability = "plan_apply"
	CapPatchApply   Capability = "patch_apply"
	CapWrite        Capability = "write"
)

var refusals = map[Capability]string{
	CapGit:          "git disabled",
	CapPlanValidate: "plan disabled",
	CapPlanApply:    "apply disabled",
	CapPatchApply:   "patch apply disabled",
	CapWrite:        "write disabled",
}

// Enabled requires every flag the capability depends on. Anything short of
// that is a refusal.
func Enabled(cfg config.GatewayConfig, c Capability) bool {
	switch c {
	case CapGit:
		return !cfg.DisallowGit
	case CapPlanValidate:
		return !cfg.Readonly && cfg.AllowApplyPlan
	case CapPlanApply:
		return !cfg.Readonly && cfg.AllowApplyPlan && cfg.AllowWrite
	case CapPatchApply:
		return !cfg.Readonly && cfg.AllowWrite && cfg.AllowPatchApply
	case CapWrite:
		return !cfg.Readonly && cfg.AllowWrite
	default:
		return false
	}
}

func (s *Service) require(c Capability) error {
	if Enabled(s.cfg, c) {
		return nil
	}
	msg, ok := refusals[c]
	if !ok {
		msg = "capability disabled"
	}
	return herrors.New(herrors.ECapabilityDisabled, msg, map[string]any{"capability": string(c)})
}
