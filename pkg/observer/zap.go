package observer

import (
	"context"

	"go.uber.org/zap"
)

type zapObserver struct {
	logger *zap.SugaredLogger
}

// NewZapObserver logs successes at the debug level and failures at the warn level.
func NewZapObserver(logger *zap.SugaredLogger) Observer {
	return &zapObserver{logger: logger}
}

func (o *zapObserver) Observe(_ context.Context, e Event) {
	keysAndValues := []any{
		"index", e.Index,
		"method", e.Method,
		"url", e.URL,
		"duration", e.Duration,
	}
	if e.StatusCode != 0 {
		keysAndValues = append(keysAndValues, "status", e.StatusCode)
	}
	if e.IsSuccess() {
		o.logger.Debugw("fetch succeeded", keysAndValues...)
		return
	}
	keysAndValues = append(keysAndValues, "kind", e.Failure.Kind.String(), "err", e.Failure.Detail)
	o.logger.Warnw("fetch failed", keysAndValues...)
}
