package channel

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/streamnet/errors"
)

// KVSource stores channel sets in a JetStream KeyValue bucket, one key per
// job. The orchestration layer publishes and transfer daemons load.
type KVSource struct {
	kv jetstream.KeyValue
}

// NewKVSource wraps an existing bucket.
func NewKVSource(kv jetstream.KeyValue) *KVSource {
	return &KVSource{kv: kv}
}

// Publish validates and stores set under the job key. It returns the
// revision written.
func (s *KVSource) Publish(ctx context.Context, job string, set *Set) (uint64, error) {
	if err := set.Validate(); err != nil {
		return 0, err
	}
	data, err := json.Marshal(set)
	if err != nil {
		return 0, errors.WrapInvalid(err, "KVSource", "Publish", "encode channel set")
	}
	rev, err := s.kv.Put(ctx, job, data)
	if err != nil {
		return 0, errors.WrapTransient(err, "KVSource", "Publish", "put "+job)
	}
	return rev, nil
}

// Load fetches and validates the set stored for job.
func (s *KVSource) Load(ctx context.Context, job string) (*Set, error) {
	entry, err := s.kv.Get(ctx, job)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.WrapInvalid(err, "KVSource", "Load", "find channels for job "+job)
		}
		return nil, errors.WrapTransient(err, "KVSource", "Load", "get "+job)
	}
	return Parse(entry.Value(), "json")
}
