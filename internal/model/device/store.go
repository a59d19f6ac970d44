package device

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrInvalidToken  = errors.New("invalid device token")
)

// Store exposes device profile lookup for the session layer.
type Store interface {
	List() []Profile
	FindByID(id string) (Profile, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Profile
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied profiles.
func NewMemoryStore(items []Profile) *MemoryStore {
	return &MemoryStore{items: append([]Profile(nil), items...)}
}

// LoadFile 从 JSON 文件读取设备列表（数组格式）。
func LoadFile(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read devices file: %w", err)
	}
	var items []Profile
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse devices file %s: %w", path, err)
	}
	for i, item := range items {
		if strings.TrimSpace(item.DeviceID) == "" {
			return nil, fmt.Errorf("devices file %s: entry %d has no deviceId", path, i)
		}
	}
	return items, nil
}

// List returns all registered devices.
func (s *MemoryStore) List() []Profile {
	return append([]Profile(nil), s.items...)
}

// FindByID looks up a device by identifier.
func (s *MemoryStore) FindByID(id string) (Profile, bool) {
	for _, item := range s.items {
		if item.DeviceID == id {
			return item, true
		}
	}
	return Profile{}, false
}

// Authenticator 校验设备凭证
type Authenticator struct {
	store Store
}

// NewAuthenticator 创建基于 Store 的凭证校验器
func NewAuthenticator(store Store) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate 返回设备档案；token 使用常量时间比较。
func (a *Authenticator) Authenticate(deviceID, token string) (Profile, error) {
	profile, ok := a.store.FindByID(strings.TrimSpace(deviceID))
	if !ok {
		return Profile{}, ErrUnknownDevice
	}
	if subtle.ConstantTimeCompare([]byte(profile.Token), []byte(token)) != 1 {
		return Profile{}, ErrInvalidToken
	}
	return profile, nil
}
