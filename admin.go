package swmrlock

import (
	"context"
)

// ProtocolKeys returns the seven store keys the protocol uses for resource.
func ProtocolKeys(resource string) []string {
	return []string{
		keyMutex1(resource),
		keyMutex2(resource),
		keyMutex3(resource),
		keyReadGate(resource),
		keyWriteGate(resource),
		keyReadCount(resource),
		keyWriteCount(resource),
	}
}

// DumpKeys returns the protocol keys currently present for resource, with
// their stored values. Operational tooling; not part of the protocol.
func (c *Coordinator) DumpKeys(ctx context.Context, resource string) (map[string]string, error) {
	out := make(map[string]string)
	for _, key := range ProtocolKeys(resource) {
		val, found, err := c.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			out[key] = val
		}
	}
	return out, nil
}

// PurgeKeys deletes all protocol keys for resource and returns how many
// existed. Use with care: purging state under live participants corrupts
// their view of the protocol.
func (c *Coordinator) PurgeKeys(ctx context.Context, resource string) (int64, error) {
	return c.store.Del(ctx, ProtocolKeys(resource)...)
}
