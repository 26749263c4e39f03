package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rcliao/tiermem/internal/model"
)

// Put stores v as JSON.
func Put[T any](ctx context.Context, m *Manager, owner, key string, v T, tier model.Tier) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", owner, key, err)
	}
	return m.Store(ctx, owner, key, data, tier)
}

// Get retrieves a JSON value stored with Put. A value that does not decode
// into T is reported as missing.
func Get[T any](ctx context.Context, m *Manager, owner, key string, tier model.Tier) (T, bool) {
	var v T
	data, ok := m.Retrieve(ctx, owner, key, tier)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false
	}
	return v, true
}
