package natskv

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Idempotency records completed step executions keyed by their execution
// key so a redelivered or resumed step reuses the recorded result instead
// of running its side effect twice. Entries expire with the bucket TTL.
type Idempotency struct {
	kv jetstream.KeyValue
}

// NewIdempotency creates an idempotency store over the given KV bucket.
func NewIdempotency(kv jetstream.KeyValue) *Idempotency {
	return &Idempotency{kv: kv}
}

// Seen reports whether the key was already recorded, returning the stored
// result when it was.
func (i *Idempotency) Seen(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := i.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Record stores the result for a key. The first writer wins; recording an
// already-recorded key is a no-op so retries stay safe.
func (i *Idempotency) Record(ctx context.Context, key string, result []byte) error {
	_, err := i.kv.Create(ctx, encodeKey(key), result)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return nil
	}
	return err
}

// encodeKey maps execution keys onto the KV key alphabet. NATS KV keys
// cannot contain colons.
func encodeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}
