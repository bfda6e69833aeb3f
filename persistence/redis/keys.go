package redis

import (
	"fmt"
	"strings"
)

type keys struct {
	prefix string
}

func newKeys(prefix string) *keys {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	return &keys{prefix: prefix}
}

func (k *keys) ownerKey(ownerID string) string {
	return fmt.Sprintf("%vowner:%v", k.prefix, ownerID)
}

// ownerLocksKey returns the key for the SET of instance ids locked by the given owner.
func (k *keys) ownerLocksKey(ownerID string) string {
	return fmt.Sprintf("%vowner-locks:%v", k.prefix, ownerID)
}

func (k *keys) instanceKey(instanceID string) string {
	return fmt.Sprintf("%vinstance:%v", k.prefix, instanceID)
}

func (k *keys) instanceMetadataKey(instanceID string) string {
	return fmt.Sprintf("%vinstance-metadata:%v", k.prefix, instanceID)
}

// runnableKey returns the key for the ZSET of instances that are runnable (score 0) or have a pending timer
// (score is the due time in unix milliseconds).
func (k *keys) runnableKey() string {
	return k.prefix + "instances-runnable"
}
