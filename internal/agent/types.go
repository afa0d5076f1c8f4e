package agent

import (
	"time"

	"github.com/shopspring/decimal"
)

// Thresholds 描述健康分的两档阈值（健康分取值 1~5，越低越危险）。
type Thresholds struct {
	// EmergencyHealthScore 及以下视为高风险。
	EmergencyHealthScore float64 `yaml:"emergency_health_score" json:"emergency_health_score"`
	// SecondaryHealthScore 以下且高于紧急阈值视为中风险。
	SecondaryHealthScore float64 `yaml:"secondary_health_score" json:"secondary_health_score"`
}

// DefaultThresholds 返回默认阈值。
func DefaultThresholds() Thresholds {
	return Thresholds{EmergencyHealthScore: 2.0, SecondaryHealthScore: 3.0}
}

// Config 是智能体的静态配置，运行期间不可变更。
type Config struct {
	Name         string          `yaml:"name" json:"name"`
	Wallet       string          `yaml:"wallet" json:"wallet"`
	RiskTier     string          `yaml:"risk_tier" json:"risk_tier"`
	MaxPositions int             `yaml:"max_positions" json:"max_positions"`
	MinReserve   decimal.Decimal `yaml:"min_reserve" json:"min_reserve"`
	Thresholds   Thresholds      `yaml:"thresholds" json:"thresholds"`
}

// WithDefaults 为未设置的阈值与持仓上限填充默认值。
func (c Config) WithDefaults() Config {
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = 5
	}
	return c
}

// Position 是一个流动性池中的持仓。
type Position struct {
	PoolID      string          `json:"pool_id"`
	ValueUSD    decimal.Decimal `json:"value_usd"`
	ValueNative decimal.Decimal `json:"value_native"`
}

// FundsStatus 是某一时刻的资金快照。
type FundsStatus struct {
	TotalValueUSD    decimal.Decimal `json:"total_value_usd"`
	TotalValueNative decimal.Decimal `json:"total_value_native"`
	AvailableNative  decimal.Decimal `json:"available_native"`
	Positions        []Position      `json:"positions"`
	SnapshotAt       time.Time       `json:"snapshot_at"`
}

// Normalize 返回修正后的副本：负数归零，可用余额不超过总值。
func (f FundsStatus) Normalize() FundsStatus {
	out := f.Clone()
	if out.TotalValueUSD.IsNegative() {
		out.TotalValueUSD = decimal.Zero
	}
	if out.TotalValueNative.IsNegative() {
		out.TotalValueNative = decimal.Zero
	}
	if out.AvailableNative.IsNegative() {
		out.AvailableNative = decimal.Zero
	}
	if out.AvailableNative.GreaterThan(out.TotalValueNative) {
		out.AvailableNative = out.TotalValueNative
	}
	return out
}

// Clone 深拷贝持仓列表。
func (f FundsStatus) Clone() FundsStatus {
	if f.Positions != nil {
		f.Positions = append([]Position(nil), f.Positions...)
	}
	return f
}

// RiskLevel 是评分方给出的风险等级。
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskFactor 是触发风险的单项指标。
type RiskFactor struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// RiskAssessment 是外部评分服务返回的风险评估。
type RiskAssessment struct {
	HealthScore float64      `json:"health_score"`
	Level       RiskLevel    `json:"level"`
	Factors     []RiskFactor `json:"factors,omitempty"`
	AssessedAt  time.Time    `json:"assessed_at"`
}

// Status 是每个智能体唯一需要持久化的记录。
type Status struct {
	AgentID    string      `json:"agent_id"`
	State      State       `json:"state"`
	Config     Config      `json:"config"`
	Funds      FundsStatus `json:"funds"`
	UpdatedAt  time.Time   `json:"updated_at"`
	StateSince time.Time   `json:"state_since"`
	LastError  string      `json:"last_error,omitempty"`
}

// Clone 返回不共享切片的副本。
func (s Status) Clone() Status {
	s.Funds = s.Funds.Clone()
	return s
}

// StateChange 记录一次实际发生的状态转移。
type StateChange struct {
	AgentID string    `json:"agent_id"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Event   Event     `json:"event"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}
