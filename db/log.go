package db

import "go.uber.org/zap"

// log is db's structured logger, deliberately zap rather than storage's
// lumber: the pack itself mixes logging libraries from package to package,
// and db's logging is about higher-level operations (collection lifecycle,
// aggregation errors) rather than the Store's byte-level checkpoint work.
var log = zap.NewNop().Sugar()

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		return
	}
	log = l.Sugar()
}
