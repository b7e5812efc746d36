// Package armstate tracks the live state of the station: where the arm is
// and which order holds it.
package armstate

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// lastOrderTTL bounds how long the previous order's outcome stays visible.
const lastOrderTTL = 30 * time.Minute

const (
	keyArm    = "arm"
	keyActive = "active"
	keyLast   = "last"
)

// Manager writes state to an in-process cache first and then to Redis.
// Reads prefer Redis and fall back to the local cache when Redis is not
// configured or unreachable.
type Manager struct {
	mu     sync.Mutex
	local  *gocache.Cache
	redis  *RedisStore
	logger *zap.Logger
}

// NewManager builds a manager. redis may be nil.
func NewManager(redis *RedisStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		local:  gocache.New(gocache.NoExpiration, 10*time.Minute),
		redis:  redis,
		logger: logger,
	}
}

func (m *Manager) redisCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 500*time.Millisecond)
}

// Reset clears the active order. Called on startup: nothing can hold the
// arm before intake runs.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local.Delete(keyActive)
	m.writeActive(nil)
}

func (m *Manager) ArmMoving(activityID, target string) {
	m.setArm(&ArmState{Target: target, Status: ArmMoving, ActivityID: activityID, UpdatedAt: time.Now()})
}

// ArmMoved records the outcome of a move. err is the positioning error,
// nil when the arm confirmed.
func (m *Manager) ArmMoved(activityID, target string, err error) {
	s := &ArmState{Target: target, Status: ArmArrived, ActivityID: activityID, UpdatedAt: time.Now()}
	if err != nil {
		s.Status = ArmLost
		s.Error = err.Error()
	}
	m.setArm(s)
}

func (m *Manager) setArm(s *ArmState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local.Set(keyArm, s, gocache.NoExpiration)
	if m.redis == nil {
		return
	}
	ctx, cancel := m.redisCtx()
	defer cancel()
	if err := m.redis.SetArm(ctx, s); err != nil {
		m.logger.Debug("redis set arm", zap.Error(err))
	}
}

func (m *Manager) OrderStarted(activityID, name string, actions int) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &ActiveOrder{ActivityID: activityID, Name: name, ActionsTotal: actions, StartedAt: now, UpdatedAt: now}
	m.local.Set(keyActive, a, gocache.NoExpiration)
	m.writeActive(a)
}

// ActionProgress records the command being run for the active order.
func (m *Manager) ActionProgress(activityID, machine string, sequence, attempt int) {
	m.updateActive(activityID, func(a *ActiveOrder) {
		a.Machine = machine
		a.Sequence = sequence
		a.Attempt = attempt
	})
}

// ActionDone counts a finished action of the active order.
func (m *Manager) ActionDone(activityID string) {
	m.updateActive(activityID, func(a *ActiveOrder) { a.ActionsDone++ })
}

func (m *Manager) updateActive(activityID string, fn func(*ActiveOrder)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.local.Get(keyActive)
	if !ok {
		return
	}
	cur := v.(*ActiveOrder)
	if cur.ActivityID != activityID {
		return
	}
	a := *cur
	fn(&a)
	a.UpdatedAt = time.Now()
	m.local.Set(keyActive, &a, gocache.NoExpiration)
	m.writeActive(&a)
}

// OrderFinished clears the active order and records its outcome.
func (m *Manager) OrderFinished(s *OrderSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local.Delete(keyActive)
	m.local.Set(keyLast, s, lastOrderTTL)
	m.writeActive(nil)
	if m.redis == nil {
		return
	}
	ctx, cancel := m.redisCtx()
	defer cancel()
	if err := m.redis.SetLast(ctx, s, lastOrderTTL); err != nil {
		m.logger.Debug("redis set last order", zap.Error(err))
	}
}

func (m *Manager) writeActive(a *ActiveOrder) {
	if m.redis == nil {
		return
	}
	ctx, cancel := m.redisCtx()
	defer cancel()
	if err := m.redis.SetActive(ctx, a); err != nil {
		m.logger.Debug("redis set active order", zap.Error(err))
	}
}

// Snapshot reads the station state, preferring Redis.
func (m *Manager) Snapshot(ctx context.Context) *Snapshot {
	if m.redis != nil {
		s, err := m.redisSnapshot(ctx)
		if err == nil {
			return s
		}
		m.logger.Debug("redis snapshot, using local state", zap.Error(err))
	}

	s := &Snapshot{Source: "local"}
	if v, ok := m.local.Get(keyArm); ok {
		s.Arm = v.(*ArmState)
	}
	if v, ok := m.local.Get(keyActive); ok {
		s.Active = v.(*ActiveOrder)
	}
	if v, ok := m.local.Get(keyLast); ok {
		s.Last = v.(*OrderSummary)
	}
	return s
}

func (m *Manager) redisSnapshot(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	arm, err := m.redis.GetArm(ctx)
	if err != nil {
		return nil, err
	}
	active, err := m.redis.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	last, err := m.redis.GetLast(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Arm: arm, Active: active, Last: last, Source: "redis"}, nil
}
