package transaction

import (
	"context"
	"errors"
)

// Unsigned 是构建阶段的产物，Tx 的具体类型由链实现决定。
type Unsigned struct {
	RequestID string
	Wallet    string
	Tx        any
}

// Signed 是签名阶段的产物。
type Signed struct {
	RequestID string
	Wallet    string
	Tx        any
}

// Builder 根据请求类型与参数构建未签名交易。
type Builder interface {
	Build(ctx context.Context, req Request) (Unsigned, error)
}

// Signer 对交易签名。
type Signer interface {
	Sign(ctx context.Context, tx Unsigned) (Signed, error)
}

// Sender 广播交易并返回链上句柄（如交易哈希）。
type Sender interface {
	Send(ctx context.Context, tx Signed) (string, error)
}

// Confirmer 等待交易最终确认。
type Confirmer interface {
	Confirm(ctx context.Context, handle string) (Confirmation, error)
}

// Pipeline 汇总四个协作者。
type Pipeline struct {
	Builder   Builder
	Signer    Signer
	Sender    Sender
	Confirmer Confirmer
}

func (p Pipeline) validate() error {
	if p.Builder == nil || p.Signer == nil || p.Sender == nil || p.Confirmer == nil {
		return errors.New("transaction pipeline requires builder, signer, sender and confirmer")
	}
	return nil
}

// BuilderFunc 等函数类型便于在测试或简单场景下组装管线。
type BuilderFunc func(ctx context.Context, req Request) (Unsigned, error)

func (f BuilderFunc) Build(ctx context.Context, req Request) (Unsigned, error) { return f(ctx, req) }

type SignerFunc func(ctx context.Context, tx Unsigned) (Signed, error)

func (f SignerFunc) Sign(ctx context.Context, tx Unsigned) (Signed, error) { return f(ctx, tx) }

type SenderFunc func(ctx context.Context, tx Signed) (string, error)

func (f SenderFunc) Send(ctx context.Context, tx Signed) (string, error) { return f(ctx, tx) }

type ConfirmerFunc func(ctx context.Context, handle string) (Confirmation, error)

func (f ConfirmerFunc) Confirm(ctx context.Context, handle string) (Confirmation, error) {
	return f(ctx, handle)
}
