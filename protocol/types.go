package protocol

// Order status notification types (coordinator -> order-status topic).
const (
	TypeOrderAccepted        = "order.accepted"
	TypeOrderCompleted       = "order.completed"
	TypeOrderPartiallyFailed = "order.partially_failed"
	TypeOrderFailed          = "order.failed"
	TypeOrderCancelled       = "order.cancelled"
)

// Roles for Address.Role.
const (
	RoleCoordinator = "coordinator"
	RoleProducer    = "producer"
)

// Protocol version.
const Version = 1

// Status values reported by the arm and by machine controllers.
const (
	StatusDone = "done"
	StatusFail = "fail"
)
