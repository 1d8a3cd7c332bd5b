package stream

import (
	"context"
	"encoding/json"
	"sync"

	"campusride/internal/live"
)

type memSub struct {
	path string
	wake chan struct{}
}

type Memory struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
	subs   map[*memSub]struct{}
}

var _ Stream = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]json.RawMessage),
		subs:   make(map[*memSub]struct{}),
	}
}

func (m *Memory) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[path] = raw
	m.notifyLocked(path)
	return nil
}

func (m *Memory) Read(ctx context.Context, path string, out any) (bool, error) {
	raw, ok := m.get(path)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.values {
		if within(p, path) {
			delete(m.values, p)
		}
	}
	m.notifyLocked(path)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, path string, fn func(json.RawMessage, bool)) (*live.Handle, error) {
	h := live.NewHandle(ctx)
	sub := &memSub{path: path, wake: make(chan struct{}, 1)}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	sub.wake <- struct{}{}

	go func() {
		defer h.Finish()
		defer func() {
			m.mu.Lock()
			delete(m.subs, sub)
			m.mu.Unlock()
		}()
		for {
			select {
			case <-h.Context().Done():
				return
			case <-sub.wake:
			}
			raw, ok := m.get(path)
			h.Dispatch(func() { fn(raw, ok) })
		}
	}()
	return h, nil
}

func (m *Memory) get(path string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.values[path]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), raw...), true
}

// notifyLocked wakes subscribers of changed and of every path below it.
func (m *Memory) notifyLocked(changed string) {
	for sub := range m.subs {
		if !within(sub.path, changed) {
			continue
		}
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}
