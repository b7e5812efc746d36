package protocol

// NoOpHandler implements StatusHandler with no-op methods.
// Embed this and override only the methods you need.
type NoOpHandler struct{}

func (NoOpHandler) HandleOrderAccepted(*Envelope, *OrderStatus)        {}
func (NoOpHandler) HandleOrderCompleted(*Envelope, *OrderStatus)       {}
func (NoOpHandler) HandleOrderPartiallyFailed(*Envelope, *OrderStatus) {}
func (NoOpHandler) HandleOrderFailed(*Envelope, *OrderStatus)          {}
func (NoOpHandler) HandleOrderCancelled(*Envelope, *OrderStatus)       {}

// Compile-time check that NoOpHandler implements StatusHandler.
var _ StatusHandler = NoOpHandler{}
