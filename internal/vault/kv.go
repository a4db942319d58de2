package vault

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// KV defaults.
const (
	DefaultKVMount         = "secret"
	DefaultKVEngineVersion = 2
	// LatestVersion asks a KV v2 engine for the current version.
	LatestVersion = 0
)

const kvTTLField = "data.data.ttl"

// KVRequest addresses one key of a KV secret.
type KVRequest struct {
	Name          string
	Key           string
	Version       int
	Mount         string
	EngineVersion int
}

// resolve returns the cache key and the field path for r.
func (r KVRequest) resolve() (key, field string, err error) {
	name := strings.Trim(strings.TrimSpace(r.Name), "/")
	if name == "" {
		return "", "", fmt.Errorf("vault: kv secret name is required")
	}
	mount := strings.Trim(strings.TrimSpace(r.Mount), "/")
	if mount == "" {
		mount = DefaultKVMount
	}
	engine := r.EngineVersion
	if engine == 0 {
		engine = DefaultKVEngineVersion
	}

	switch engine {
	case 1:
		return mount + "/" + name, joinField("data", r.Key), nil
	case 2:
		version := r.Version
		if version < 0 {
			version = LatestVersion
		}
		key = mount + "/data/" + name + "?version=" + strconv.Itoa(version)
		return key, joinField("data.data", r.Key), nil
	default:
		return "", "", fmt.Errorf("%w: %d", ErrUnsupportedEngine, engine)
	}
}

func joinField(prefix, key string) string {
	if key == "" {
		return prefix
	}
	return prefix + "." + key
}

// ReadKV reads one key of a KV secret. On a v2 engine a ttl stored in the
// secret itself overrides the cache lifetime of the response, whichever
// read first cached the path.
func (e *Engine) ReadKV(ctx context.Context, req KVRequest) (string, bool, error) {
	key, field, err := req.resolve()
	if err != nil {
		return "", false, err
	}
	return e.read(ctx, key, field)
}
