package agent

import (
	"fmt"

	xerrors "OpenLP-Agent/internal/errors"
)

func invalid(format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf(format, args...))
}

// ValidateConfig 校验智能体配置。
func ValidateConfig(cfg Config) error {
	if cfg.Name == "" {
		return invalid("agent name is required")
	}
	if cfg.Wallet == "" {
		return invalid("agent %s: wallet is required", cfg.Name)
	}
	if cfg.MaxPositions <= 0 {
		return invalid("agent %s: max positions must be positive", cfg.Name)
	}
	if cfg.MinReserve.IsNegative() {
		return invalid("agent %s: min reserve cannot be negative", cfg.Name)
	}
	th := cfg.Thresholds
	if th.EmergencyHealthScore < 1 || th.SecondaryHealthScore > 5 {
		return invalid("agent %s: health score thresholds must lie within [1,5]", cfg.Name)
	}
	if th.EmergencyHealthScore >= th.SecondaryHealthScore {
		return invalid("agent %s: emergency threshold must be below secondary threshold", cfg.Name)
	}
	return nil
}

// ValidateFunds 校验资金快照满足不变量。
func ValidateFunds(f FundsStatus) error {
	if f.TotalValueUSD.IsNegative() || f.TotalValueNative.IsNegative() || f.AvailableNative.IsNegative() {
		return invalid("funds values cannot be negative")
	}
	if f.AvailableNative.GreaterThan(f.TotalValueNative) {
		return invalid("available %s exceeds total %s", f.AvailableNative, f.TotalValueNative)
	}
	for _, p := range f.Positions {
		if p.PoolID == "" {
			return invalid("position without pool id")
		}
		if p.ValueUSD.IsNegative() || p.ValueNative.IsNegative() {
			return invalid("position %s has negative value", p.PoolID)
		}
	}
	return nil
}

// ValidateStatus 在写入存储之前调用，拒绝任何不一致的记录。
func ValidateStatus(s Status) error {
	if s.AgentID == "" {
		return invalid("agent id is required")
	}
	if !s.State.Valid() {
		return invalid("agent %s: unknown state %q", s.AgentID, s.State)
	}
	if s.UpdatedAt.IsZero() {
		return invalid("agent %s: updated_at is required", s.AgentID)
	}
	if err := ValidateConfig(s.Config); err != nil {
		return err
	}
	return ValidateFunds(s.Funds)
}
