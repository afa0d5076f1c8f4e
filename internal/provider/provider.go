// Package provider 封装外部风险评分服务与持仓数据服务的 HTTP 客户端。
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"OpenLP-Agent/internal/agent"
	xerrors "OpenLP-Agent/internal/errors"
)

// Config 描述外部服务的访问参数。
type Config struct {
	ScoreURL     string        `yaml:"score_url"`
	PositionsURL string        `yaml:"positions_url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"`
}

func newRestClient(baseURL string, cfg Config) (*resty.Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "provider base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			r.ForceContentType("application/json")
			return nil
		}).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}
	return client, nil
}

// checkResponse 把传输错误与非 2xx 响应转换为统一错误码。
func checkResponse(resp *resty.Response, err error, what string) error {
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, what+" 请求失败")
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return xerrors.New(xerrors.CodeNotFound, what+" 不存在")
	case resp.IsError():
		return xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("%s 返回 %d", what, resp.StatusCode()),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode())))
	}
	return nil
}

// ScoreClient 调用外部评分服务。
type ScoreClient struct {
	client *resty.Client
}

// NewScoreClient 创建评分客户端。
func NewScoreClient(cfg Config) (*ScoreClient, error) {
	client, err := newRestClient(cfg.ScoreURL, cfg)
	if err != nil {
		return nil, err
	}
	return &ScoreClient{client: client}, nil
}

// 健康分取值范围。
const (
	minHealthScore = 1.0
	maxHealthScore = 5.0
)

// riskResponse 区分缺失的 health_score 与显式的 0。
type riskResponse struct {
	HealthScore *float64           `json:"health_score"`
	Level       agent.RiskLevel    `json:"level"`
	Factors     []agent.RiskFactor `json:"factors"`
	AssessedAt  time.Time          `json:"assessed_at"`
}

// AssessRisk 获取智能体当前的风险评估。缺失或越界的健康分视为上游故障。
func (c *ScoreClient) AssessRisk(ctx context.Context, agentID string) (agent.RiskAssessment, error) {
	var out riskResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("agentID", agentID).
		SetResult(&out).
		Get("/v1/agents/{agentID}/risk")
	if err := checkResponse(resp, err, "风险评估"); err != nil {
		return agent.RiskAssessment{}, err
	}
	if out.HealthScore == nil {
		return agent.RiskAssessment{}, xerrors.New(xerrors.CodeUpstreamFailure, "health score missing from response")
	}
	score := *out.HealthScore
	if score < minHealthScore || score > maxHealthScore {
		return agent.RiskAssessment{}, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("health score %.2f out of range", score))
	}
	assessment := agent.RiskAssessment{
		HealthScore: score,
		Level:       out.Level,
		Factors:     out.Factors,
		AssessedAt:  out.AssessedAt,
	}
	if assessment.AssessedAt.IsZero() {
		assessment.AssessedAt = time.Now().UTC()
	}
	return assessment, nil
}

type positionRiskRequest struct {
	Pools []string `json:"pools"`
}

type positionRiskResponse struct {
	Scores map[string]float64 `json:"scores"`
}

// PositionRisk 返回各持仓的风险分，越高越危险。缺失的池按 0 处理。
func (c *ScoreClient) PositionRisk(ctx context.Context, agentID string, positions []agent.Position) (map[string]float64, error) {
	body := positionRiskRequest{Pools: make([]string, 0, len(positions))}
	for _, p := range positions {
		body.Pools = append(body.Pools, p.PoolID)
	}
	var out positionRiskResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("agentID", agentID).
		SetBody(body).
		SetResult(&out).
		Post("/v1/agents/{agentID}/positions/risk")
	if err := checkResponse(resp, err, "持仓风险"); err != nil {
		return nil, err
	}
	if out.Scores == nil {
		out.Scores = map[string]float64{}
	}
	return out.Scores, nil
}

// BalanceReader 读取钱包原生代币余额。
type BalanceReader interface {
	NativeBalance(ctx context.Context, wallet string) (decimal.Decimal, error)
}

type positionsResponse struct {
	Positions       *[]agent.Position `json:"positions"`
	AvailableNative decimal.Decimal   `json:"available_native"`
	AvailableUSD    decimal.Decimal   `json:"available_usd"`
}

// FundsSource 组合持仓服务与链上余额，生成资金快照。
type FundsSource struct {
	client  *resty.Client
	balance BalanceReader
	now     func() time.Time
}

// NewFundsSource 创建资金数据源。balance 为空时可用余额取自持仓服务。
func NewFundsSource(cfg Config, balance BalanceReader) (*FundsSource, error) {
	client, err := newRestClient(cfg.PositionsURL, cfg)
	if err != nil {
		return nil, err
	}
	return &FundsSource{client: client, balance: balance, now: time.Now}, nil
}

// FetchFunds 拉取钱包的持仓与可用余额。
func (s *FundsSource) FetchFunds(ctx context.Context, wallet string) (agent.FundsStatus, error) {
	var out positionsResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("wallet", wallet).
		SetResult(&out).
		Get("/v1/wallets/{wallet}/positions")
	if err := checkResponse(resp, err, "持仓数据"); err != nil {
		return agent.FundsStatus{}, err
	}
	if out.Positions == nil {
		return agent.FundsStatus{}, xerrors.New(xerrors.CodeUpstreamFailure, "positions missing from response")
	}
	positions := *out.Positions

	available := out.AvailableNative
	if s.balance != nil {
		available, err = s.balance.NativeBalance(ctx, wallet)
		if err != nil {
			return agent.FundsStatus{}, err
		}
	}

	funds := agent.FundsStatus{
		AvailableNative:  available,
		TotalValueNative: available,
		TotalValueUSD:    out.AvailableUSD,
		Positions:        positions,
		SnapshotAt:       s.now().UTC(),
	}
	for _, p := range positions {
		funds.TotalValueNative = funds.TotalValueNative.Add(p.ValueNative)
		funds.TotalValueUSD = funds.TotalValueUSD.Add(p.ValueUSD)
	}
	return funds, nil
}
