package protocol

import (
	"encoding/json"

	"go.uber.org/zap"
)

// FilterFunc returns true if the message should be processed.
type FilterFunc func(hdr *RawHeader) bool

// StatusHandler receives decoded order-status notifications.
// Embed NoOpHandler and override only the methods you need.
type StatusHandler interface {
	HandleOrderAccepted(env *Envelope, p *OrderStatus)
	HandleOrderCompleted(env *Envelope, p *OrderStatus)
	HandleOrderPartiallyFailed(env *Envelope, p *OrderStatus)
	HandleOrderFailed(env *Envelope, p *OrderStatus)
	HandleOrderCancelled(env *Envelope, p *OrderStatus)
}

// Ingestor performs two-phase decode and dispatches to a StatusHandler.
type Ingestor struct {
	handler StatusHandler
	filter  FilterFunc
	logger  *zap.Logger
}

// NewIngestor creates an ingestor with the given handler and filter.
func NewIngestor(handler StatusHandler, filter FilterFunc, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		handler: handler,
		filter:  filter,
		logger:  logger,
	}
}

// HandleRaw is the entry point for raw message bytes from the messaging layer.
func (ing *Ingestor) HandleRaw(data []byte) {
	// Phase 1: routing header only
	var hdr RawHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		ing.logger.Warn("header decode error", zap.Error(err))
		return
	}

	if IsExpiredHeader(&hdr) {
		ing.logger.Debug("dropping expired message", zap.String("id", hdr.ID), zap.String("type", hdr.Type))
		return
	}

	if ing.filter != nil && !ing.filter(&hdr) {
		return
	}

	// Phase 2: full envelope
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ing.logger.Warn("envelope decode error", zap.Error(err))
		return
	}

	switch env.Type {
	case TypeOrderAccepted:
		ing.decodeAndCall(ing.handler.HandleOrderAccepted, &env)
	case TypeOrderCompleted:
		ing.decodeAndCall(ing.handler.HandleOrderCompleted, &env)
	case TypeOrderPartiallyFailed:
		ing.decodeAndCall(ing.handler.HandleOrderPartiallyFailed, &env)
	case TypeOrderFailed:
		ing.decodeAndCall(ing.handler.HandleOrderFailed, &env)
	case TypeOrderCancelled:
		ing.decodeAndCall(ing.handler.HandleOrderCancelled, &env)
	default:
		ing.logger.Warn("unknown message type", zap.String("type", env.Type))
	}
}

func (ing *Ingestor) decodeAndCall(fn func(*Envelope, *OrderStatus), env *Envelope) {
	var p OrderStatus
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ing.logger.Warn("payload decode error", zap.String("type", env.Type), zap.Error(err))
		return
	}
	fn(env, &p)
}
