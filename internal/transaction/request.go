package transaction

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "OpenLP-Agent/internal/errors"
)

// Type 表示链上操作类型。
type Type string

const (
	TypeAddLiquidity    Type = "ADD_LIQUIDITY"
	TypeRemoveLiquidity Type = "REMOVE_LIQUIDITY"
	TypeClosePosition   Type = "CLOSE_POSITION"
	TypeClaimFees       Type = "CLAIM_FEES"
	TypeWithdraw        Type = "WITHDRAW"
	TypeSwap            Type = "SWAP"
)

// Valid 判断类型是否受支持。
func (t Type) Valid() bool {
	switch t {
	case TypeAddLiquidity, TypeRemoveLiquidity, TypeClosePosition, TypeClaimFees, TypeWithdraw, TypeSwap:
		return true
	}
	return false
}

// Priority 决定出队顺序，数值越大越先执行。
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityMedium:   "MEDIUM",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	for k, v := range priorityNames {
		if strings.EqualFold(v, string(text)) {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("unknown priority %q", text)
}

// Status 是请求在执行管线中的状态。
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSigning    Status = "SIGNING"
	StatusSending    Status = "SENDING"
	StatusConfirming Status = "CONFIRMING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusCancelled
}

// Payload 是交易参数。Percentage 用于按比例减仓，取值 (0,100]。
type Payload struct {
	Wallet     string            `json:"wallet"`
	PoolID     string            `json:"pool_id,omitempty"`
	Amount     decimal.Decimal   `json:"amount"`
	Percentage decimal.Decimal   `json:"percentage"`
	Recipient  string            `json:"recipient,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Confirmation 是确认阶段的结果。
type Confirmation struct {
	Success     bool      `json:"success"`
	Handle      string    `json:"handle"`
	FinalizedAt time.Time `json:"finalized_at"`
	Detail      string    `json:"detail,omitempty"`
}

// Request 是一次交易请求及其执行状态。
type Request struct {
	ID          string        `json:"id"`
	Type        Type          `json:"type"`
	Payload     Payload       `json:"payload"`
	AgentID     string        `json:"agent_id"`
	Priority    Priority      `json:"priority"`
	Status      Status        `json:"status"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Handle      string        `json:"handle,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	ErrorCode   string        `json:"error_code,omitempty"`
	Result      *Confirmation `json:"result,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (r Request) clone() Request {
	if r.Result != nil {
		res := *r.Result
		r.Result = &res
	}
	if r.Payload.Extra != nil {
		extra := make(map[string]string, len(r.Payload.Extra))
		for k, v := range r.Payload.Extra {
			extra[k] = v
		}
		r.Payload.Extra = extra
	}
	return r
}

// RequestOption 配置 CreateRequest。
type RequestOption func(*Request)

// WithPriority 指定优先级，默认 MEDIUM。
func WithPriority(p Priority) RequestOption {
	return func(r *Request) { r.Priority = p }
}

// WithMaxAttempts 指定最大尝试次数。
func WithMaxAttempts(n int) RequestOption {
	return func(r *Request) {
		if n > 0 {
			r.MaxAttempts = n
		}
	}
}

// WithRequestID 使用调用方提供的 ID（用于幂等重放）。
func WithRequestID(id string) RequestOption {
	return func(r *Request) {
		if id != "" {
			r.ID = id
		}
	}
}

// CreateRequest 分配 ID 并返回 PENDING 状态的请求。MaxAttempts 为 0 时由执行器填充。
func CreateRequest(typ Type, payload Payload, agentID string, opts ...RequestOption) Request {
	now := time.Now().UTC()
	r := Request{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   payload,
		AgentID:   agentID,
		Priority:  PriorityMedium,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&r)
		}
	}
	return r
}

const (
	CodeRequestNotFound xerrors.Code = "TX_REQUEST_NOT_FOUND"
	CodeDuplicate       xerrors.Code = "TX_REQUEST_DUPLICATE"
	CodeExecutorClosed  xerrors.Code = "TX_EXECUTOR_CLOSED"
	CodeReverted        xerrors.Code = "TX_REVERTED"
)

func init() {
	xerrors.Register(CodeRequestNotFound, xerrors.Attributes{Message: "transaction request not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeDuplicate, xerrors.Attributes{Message: "transaction request already submitted", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeExecutorClosed, xerrors.Attributes{Message: "executor stopped", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeReverted, xerrors.Attributes{Message: "transaction reverted on chain", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true})
}

var (
	ErrRequestNotFound = xerrors.New(CodeRequestNotFound, "")
	ErrDuplicate       = xerrors.New(CodeDuplicate, "")
	ErrNotCancellable  = xerrors.New(xerrors.CodeNotCancellable, "")
	ErrExecutorClosed  = xerrors.New(CodeExecutorClosed, "")
)

func validateRequest(r Request) error {
	switch {
	case r.ID == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "request id is required")
	case r.AgentID == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	case !r.Type.Valid():
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported transaction type %q", r.Type))
	case r.Priority < PriorityLow || r.Priority > PriorityCritical:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid priority %d", r.Priority))
	case r.Payload.Amount.IsNegative():
		return xerrors.New(xerrors.CodeInvalidArgument, "amount cannot be negative")
	}
	return nil
}
