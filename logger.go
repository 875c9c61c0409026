package membuf

import "go.uber.org/zap"

// NewLogger builds the process logger every subsystem shares: production
// JSON output by default, human-readable console output in development
// mode. Callers that want no logging at all pass nil loggers around and
// each constructor substitutes zap.NewNop.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
