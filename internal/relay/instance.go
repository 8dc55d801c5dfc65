package relay

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	instanceNamespace = "relay"
	instanceKey       = "instance_id"
)

// KV is the state store holding the instance id. *opstate.Store
// satisfies it.
type KV interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

// LoadOrCreateInstanceID returns the persisted instance id, generating
// and storing a new UUIDv7 on first use. The id keeps topic names stable
// across restarts.
func LoadOrCreateInstanceID(kv KV) (string, error) {
	id, err := kv.Get(instanceNamespace, instanceKey)
	if err != nil {
		return "", fmt.Errorf("load instance ID: %w", err)
	}
	if id = strings.TrimSpace(id); id != "" {
		return id, nil
	}

	v7, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	id = v7.String()
	if err := kv.Set(instanceNamespace, instanceKey, id); err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	return id, nil
}
