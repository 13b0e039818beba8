package power

import (
	"log/slog"

	"zpowergraph/internal/subscription"
)

// Enqueuer accepts raw broker messages for asynchronous processing.
type Enqueuer interface {
	Enqueue(topic string, payload []byte) bool
}

// IngestHandler hands every subscribed message to q. Messages arriving after
// shutdown began are rejected by q and only logged here.
func IngestHandler(q Enqueuer, logger *slog.Logger) subscription.Handler {
	return func(topic string, payload []byte) {
		logger.Debug("message received", "topic", topic, "bytes", len(payload))
		if !q.Enqueue(topic, payload) {
			logger.Warn("message rejected, pipeline closed", "topic", topic)
		}
	}
}
