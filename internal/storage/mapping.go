package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/annika-hq/plannersync/internal/types"
)

const defaultNamespace = "annika"

// MappingStore is the durable local <-> remote task id map, the last seen
// version token per remote task, a per-plan index of mapped remote ids, and
// the "last uploaded" mark per local task.
//
// Layout under {ns}:sync:
//
//	map:l2r      hash  local id  -> remote id
//	map:r2l      hash  remote id -> local id
//	etag         hash  remote id -> version token
//	planof       hash  remote id -> plan id
//	plan:{id}    set   remote ids mapped in that plan
//	uploaded     hash  local id  -> modified_at that was last uploaded
type MappingStore struct {
	client *redis.Client
	ns     string
}

// NewMappingStore wraps an open client. An empty namespace means "annika".
func NewMappingStore(client *redis.Client, namespace string) *MappingStore {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &MappingStore{client: client, ns: namespace}
}

func (s *MappingStore) l2rKey() string               { return s.ns + ":sync:map:l2r" }
func (s *MappingStore) r2lKey() string               { return s.ns + ":sync:map:r2l" }
func (s *MappingStore) etagKey() string              { return s.ns + ":sync:etag" }
func (s *MappingStore) planOfKey() string            { return s.ns + ":sync:planof" }
func (s *MappingStore) planKey(planID string) string { return s.ns + ":sync:plan:" + planID }
func (s *MappingStore) uploadedKey() string          { return s.ns + ":sync:uploaded" }

// StoreMapping links m.LocalID and m.RemoteID in both directions. When set,
// m.PlanID is indexed and m.ETag stored in the same transaction. Any stale
// link either id had to a different partner is cleared. Storing the same
// mapping twice is a no-op.
func (s *MappingStore) StoreMapping(ctx context.Context, m types.Mapping) error {
	if m.LocalID == "" || m.RemoteID == "" {
		return fmt.Errorf("store mapping: local and remote ids are required")
	}
	keys := []string{s.l2rKey(), s.r2lKey(), s.planOfKey()}
	err := withWatch(ctx, s.client, func(tx *redis.Tx) error {
		oldRemote, err := hget(ctx, tx, s.l2rKey(), m.LocalID)
		if err != nil {
			return err
		}
		oldLocal, err := hget(ctx, tx, s.r2lKey(), m.RemoteID)
		if err != nil {
			return err
		}
		oldPlan, err := hget(ctx, tx, s.planOfKey(), m.RemoteID)
		if err != nil {
			return err
		}
		var stalePlan string
		if oldRemote != "" && oldRemote != m.RemoteID {
			if stalePlan, err = hget(ctx, tx, s.planOfKey(), oldRemote); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if oldRemote != "" && oldRemote != m.RemoteID {
				pipe.HDel(ctx, s.r2lKey(), oldRemote)
				pipe.HDel(ctx, s.etagKey(), oldRemote)
				pipe.HDel(ctx, s.planOfKey(), oldRemote)
				if stalePlan != "" {
					pipe.SRem(ctx, s.planKey(stalePlan), oldRemote)
				}
			}
			if oldLocal != "" && oldLocal != m.LocalID {
				pipe.HDel(ctx, s.l2rKey(), oldLocal)
				pipe.HDel(ctx, s.uploadedKey(), oldLocal)
			}
			pipe.HSet(ctx, s.l2rKey(), m.LocalID, m.RemoteID)
			pipe.HSet(ctx, s.r2lKey(), m.RemoteID, m.LocalID)
			if m.PlanID != "" {
				if oldPlan != "" && oldPlan != m.PlanID {
					pipe.SRem(ctx, s.planKey(oldPlan), m.RemoteID)
				}
				pipe.HSet(ctx, s.planOfKey(), m.RemoteID, m.PlanID)
				pipe.SAdd(ctx, s.planKey(m.PlanID), m.RemoteID)
			}
			if m.ETag != "" {
				pipe.HSet(ctx, s.etagKey(), m.RemoteID, m.ETag)
			}
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return fmt.Errorf("store mapping %s <-> %s: %w", m.LocalID, m.RemoteID, err)
	}
	return nil
}

// hget reads a hash field inside a watched transaction; "" when absent.
func hget(ctx context.Context, tx *redis.Tx, key, field string) (string, error) {
	v, err := tx.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *MappingStore) get(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("hget %s %s: %w", key, field, err)
	}
	return v, nil
}

// GetRemoteID returns the remote id linked to localID, or "".
func (s *MappingStore) GetRemoteID(ctx context.Context, localID string) (string, error) {
	return s.get(ctx, s.l2rKey(), localID)
}

// GetLocalID returns the local id linked to remoteID, or "".
func (s *MappingStore) GetLocalID(ctx context.Context, remoteID string) (string, error) {
	return s.get(ctx, s.r2lKey(), remoteID)
}

// StoreVersionToken records the last seen version token of a remote task.
func (s *MappingStore) StoreVersionToken(ctx context.Context, remoteID, token string) error {
	if remoteID == "" || token == "" {
		return nil
	}
	if err := s.client.HSet(ctx, s.etagKey(), remoteID, token).Err(); err != nil {
		return fmt.Errorf("store version token for %s: %w", remoteID, err)
	}
	return nil
}

// GetVersionToken returns the last seen version token, or "".
func (s *MappingStore) GetVersionToken(ctx context.Context, remoteID string) (string, error) {
	return s.get(ctx, s.etagKey(), remoteID)
}

// RemoveMapping clears both directions, the version token, the plan index
// entry and the upload mark in a single MULTI, so no reader sees half a
// mapping.
func (s *MappingStore) RemoveMapping(ctx context.Context, localID, remoteID string) error {
	err := withWatch(ctx, s.client, func(tx *redis.Tx) error {
		plan := ""
		if remoteID != "" {
			var err error
			if plan, err = hget(ctx, tx, s.planOfKey(), remoteID); err != nil {
				return err
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if localID != "" {
				pipe.HDel(ctx, s.l2rKey(), localID)
				pipe.HDel(ctx, s.uploadedKey(), localID)
			}
			if remoteID != "" {
				pipe.HDel(ctx, s.r2lKey(), remoteID)
				pipe.HDel(ctx, s.etagKey(), remoteID)
				pipe.HDel(ctx, s.planOfKey(), remoteID)
				if plan != "" {
					pipe.SRem(ctx, s.planKey(plan), remoteID)
				}
			}
			return nil
		})
		return err
	}, s.planOfKey())
	if err != nil {
		return fmt.Errorf("remove mapping %s <-> %s: %w", localID, remoteID, err)
	}
	return nil
}

// IndexPlan records that remoteID lives in planID, moving it out of any
// previous plan's index.
func (s *MappingStore) IndexPlan(ctx context.Context, remoteID, planID string) error {
	if remoteID == "" || planID == "" {
		return nil
	}
	err := withWatch(ctx, s.client, func(tx *redis.Tx) error {
		old, err := hget(ctx, tx, s.planOfKey(), remoteID)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if old != "" && old != planID {
				pipe.SRem(ctx, s.planKey(old), remoteID)
			}
			pipe.HSet(ctx, s.planOfKey(), remoteID, planID)
			pipe.SAdd(ctx, s.planKey(planID), remoteID)
			return nil
		})
		return err
	}, s.planOfKey())
	if err != nil {
		return fmt.Errorf("index %s in plan %s: %w", remoteID, planID, err)
	}
	return nil
}

// PlanOf returns the plan a mapped remote task was last seen in, or "".
func (s *MappingStore) PlanOf(ctx context.Context, remoteID string) (string, error) {
	return s.get(ctx, s.planOfKey(), remoteID)
}

// PlanRemoteIDs returns the mapped remote ids indexed under planID.
func (s *MappingStore) PlanRemoteIDs(ctx context.Context, planID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.planKey(planID)).Result()
	if err != nil {
		return nil, fmt.Errorf("plan index %s: %w", planID, err)
	}
	return ids, nil
}

// LocalMappings returns every local id -> remote id link.
func (s *MappingStore) LocalMappings(ctx context.Context) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.l2rKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	return m, nil
}

// Count returns the number of mapped tasks.
func (s *MappingStore) Count(ctx context.Context) (int64, error) {
	return s.client.HLen(ctx, s.l2rKey()).Result()
}

// MarkUploaded records the modified_at of the version of localID that is now
// reflected remotely.
func (s *MappingStore) MarkUploaded(ctx context.Context, localID, modifiedAt string) error {
	if err := s.client.HSet(ctx, s.uploadedKey(), localID, modifiedAt).Err(); err != nil {
		return fmt.Errorf("mark %s uploaded: %w", localID, err)
	}
	return nil
}

// UploadedAt returns the last uploaded modified_at of localID, or "".
func (s *MappingStore) UploadedAt(ctx context.Context, localID string) (string, error) {
	return s.get(ctx, s.uploadedKey(), localID)
}

// UploadMarks returns every local id -> uploaded modified_at mark.
func (s *MappingStore) UploadMarks(ctx context.Context) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.uploadedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list upload marks: %w", err)
	}
	return m, nil
}

// ClearUploaded forgets the upload mark, forcing the task to be considered
// dirty on the next detection pass.
func (s *MappingStore) ClearUploaded(ctx context.Context, localID string) error {
	return s.client.HDel(ctx, s.uploadedKey(), localID).Err()
}
