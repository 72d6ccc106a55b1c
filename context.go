package gotx

import (
	"context"

	"github.com/xiaoxuxiansheng/gotx/log"
)

type transactionInfoKey struct{}

// WithTransaction 把事务上下文挂到 ctx 上，后续对资源的读写都会加入该事务
func WithTransaction(ctx context.Context, info *TransactionInfo) context.Context {
	ctx = log.WithTXID(ctx, info.TXID)
	return context.WithValue(ctx, transactionInfoKey{}, info)
}

func FromContext(ctx context.Context) (*TransactionInfo, bool) {
	if ctx == nil {
		return nil, false
	}
	info, ok := ctx.Value(transactionInfoKey{}).(*TransactionInfo)
	return info, ok && info != nil
}
