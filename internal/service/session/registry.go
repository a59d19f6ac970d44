package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
)

// DuplicatePolicy 同一设备重复连接时的处理方式
type DuplicatePolicy string

const (
	// PolicySupersede 新连接替换旧连接，旧连接收到 bye 后关闭。
	PolicySupersede DuplicatePolicy = "supersede"
	// PolicyReject 保留旧连接，拒绝新连接。
	PolicyReject DuplicatePolicy = "reject"
)

// ParseDuplicatePolicy 解析配置值，空串取默认 supersede。
func ParseDuplicatePolicy(v string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(v) {
	case "", PolicySupersede:
		return PolicySupersede, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown duplicate session policy %q", v)
	}
}

var (
	ErrSessionLimit     = fmt.Errorf("too many active sessions: %w", errs.ErrResourceExhausted)
	ErrDuplicateSession = fmt.Errorf("device already has an active session: %w", errs.ErrResourceExhausted)
)

// Registry tracks active sessions by device id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	policy   DuplicatePolicy
	max      int
}

// NewRegistry 创建会话表，max<=0 表示不限制。
func NewRegistry(policy DuplicatePolicy, max int) *Registry {
	if policy == "" {
		policy = PolicySupersede
	}
	return &Registry{sessions: make(map[string]*Session), policy: policy, max: max}
}

// Policy 当前重复连接策略
func (r *Registry) Policy() DuplicatePolicy {
	return r.policy
}

// Register admits s. Under supersede the displaced session is returned and
// the caller must close it.
func (r *Registry) Register(s *Session) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sessions[s.deviceID]
	if ok {
		if r.policy == PolicyReject {
			return nil, fmt.Errorf("device %s: %w", s.deviceID, ErrDuplicateSession)
		}
		r.sessions[s.deviceID] = s
		return existing, nil
	}

	if r.max > 0 && len(r.sessions) >= r.max {
		return nil, fmt.Errorf("limit %d: %w", r.max, ErrSessionLimit)
	}
	r.sessions[s.deviceID] = s
	return nil, nil
}

// Unregister removes s only if it is still the registered session for its
// device, so a superseded session cannot evict its replacement.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[s.deviceID]; ok && current == s {
		delete(r.sessions, s.deviceID)
		return true
	}
	return false
}

// Get 按设备查找会话
func (r *Registry) Get(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// Len 当前会话数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot 返回全部会话状态，按设备 id 排序。
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// closeAll 服务关闭时通知全部会话
func (r *Registry) closeAll(reason string) {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()
	for _, s := range list {
		s.requestClose(reason)
	}
}
