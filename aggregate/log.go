package aggregate

import "go.uber.org/zap"

// log is the aggregation engine's structured logger, shared with db's
// convention of using zap rather than storage's lumber for higher-level
// operations.
var log = zap.NewNop().Sugar()

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		return
	}
	log = l.Sugar()
}
