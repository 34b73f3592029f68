// Package registry implements the Worker Registry against Redis: a
// metadata hash per worker, a list for its internal attack queue, a
// global active-workers set, and a setnx-guarded claim key.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/models"
)

const activeWorkersKey = "workers:active"

func metadataKey(workerID string) string { return fmt.Sprintf("worker:%s:metadata", workerID) }
func attacksKey(workerID string) string   { return fmt.Sprintf("worker:%s:attacks", workerID) }
func claimKey(defenseID, attackID string) string {
	return fmt.Sprintf("evaluations:queued:%s:%s", defenseID, attackID)
}

// Registry wraps a go-redis client and implements interfaces.WorkerRegistry.
type Registry struct {
	client   redis.UniversalClient
	claimTTL time.Duration
	logger   *common.Logger
}

// New connects to Redis at addr and returns a ready Registry.
func New(addr, password string, db int, claimTTL time.Duration, logger *common.Logger) *Registry {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Registry{client: client, claimTTL: claimTTL, logger: logger}
}

// NewWithClient wraps an already-constructed client, used by tests against
// miniredis.
func NewWithClient(client redis.UniversalClient, claimTTL time.Duration, logger *common.Logger) *Registry {
	return &Registry{client: client, claimTTL: claimTTL, logger: logger}
}

// Close releases the underlying connection.
func (r *Registry) Close() error {
	return r.client.Close()
}

// Register creates a worker record with queue_state=OPEN, adds it to the
// active set, and sets its heartbeat to now.
func (r *Registry) Register(ctx context.Context, workerID, defenseSubmissionID, jobID string) error {
	now := time.Now().Unix()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, metadataKey(workerID), map[string]any{
		"defense_submission_id": defenseSubmissionID,
		"job_id":                jobID,
		"started_at":            now,
		"queue_state":           string(models.QueueStateOpen),
		"heartbeat":             now,
	})
	pipe.SAdd(ctx, activeWorkersKey, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: register(%s): %w", workerID, err)
	}
	return nil
}

// PushAttack appends an attack-submission id to the worker's internal
// queue. Pushes to a single worker are FIFO.
func (r *Registry) PushAttack(ctx context.Context, workerID, attackSubmissionID string) error {
	if err := r.client.RPush(ctx, attacksKey(workerID), attackSubmissionID).Err(); err != nil {
		return fmt.Errorf("registry: push_attack(%s): %w", workerID, err)
	}
	return nil
}

// PopAttack blocks up to timeout popping the head of the worker's queue,
// returning "" on timeout (no error).
func (r *Registry) PopAttack(ctx context.Context, workerID string, timeout time.Duration) (string, error) {
	res, err := r.client.BLPop(ctx, timeout, attacksKey(workerID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("registry: pop_attack(%s): %w", workerID, err)
	}
	// BLPOP returns [key, value]; we issued it with a single key.
	if len(res) != 2 {
		return "", fmt.Errorf("registry: pop_attack(%s): unexpected reply shape", workerID)
	}
	return res[1], nil
}

// CloseQueue flips queue_state to CLOSED. Further pushes by dispatchers
// must refuse this worker (enforced by OpenWorkersFor's filter).
func (r *Registry) CloseQueue(ctx context.Context, workerID string) error {
	if err := r.client.HSet(ctx, metadataKey(workerID), "queue_state", string(models.QueueStateClosed)).Err(); err != nil {
		return fmt.Errorf("registry: close_queue(%s): %w", workerID, err)
	}
	return nil
}

// Heartbeat updates the worker's heartbeat timestamp.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	if err := r.client.HSet(ctx, metadataKey(workerID), "heartbeat", time.Now().Unix()).Err(); err != nil {
		return fmt.Errorf("registry: heartbeat(%s): %w", workerID, err)
	}
	return nil
}

// Unregister deletes the worker's metadata and queue and removes it from
// the active set. After it returns, testable property 5 requires no key
// referring to workerID remains observable.
func (r *Registry) Unregister(ctx context.Context, workerID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, metadataKey(workerID), attacksKey(workerID))
	pipe.SRem(ctx, activeWorkersKey, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: unregister(%s): %w", workerID, err)
	}
	return nil
}

// OpenWorkersFor returns every active worker whose record carries the
// matching defense id and queue_state=OPEN. This is a snapshot: a worker
// seen OPEN here may close concurrently, which callers must tolerate by
// falling back to a fresh snapshot or a new defense-job.
func (r *Registry) OpenWorkersFor(ctx context.Context, defenseSubmissionID string) ([]*models.WorkerRecord, error) {
	ids, err := r.client.SMembers(ctx, activeWorkersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: open_workers_for(%s): smembers: %w", defenseSubmissionID, err)
	}

	var out []*models.WorkerRecord
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, metadataKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("registry: open_workers_for(%s): hgetall(%s): %w", defenseSubmissionID, id, err)
		}
		if len(fields) == 0 {
			continue // record expired/raced away between smembers and hgetall
		}
		if fields["defense_submission_id"] != defenseSubmissionID {
			continue
		}
		if fields["queue_state"] != string(models.QueueStateOpen) {
			continue
		}
		rec := &models.WorkerRecord{
			WorkerID:            id,
			DefenseSubmissionID: fields["defense_submission_id"],
			JobID:               fields["job_id"],
			QueueState:          models.QueueState(fields["queue_state"]),
		}
		if v, err := strconv.ParseInt(fields["started_at"], 10, 64); err == nil {
			rec.StartedAt = v
		}
		if v, err := strconv.ParseInt(fields["heartbeat"], 10, 64); err == nil {
			rec.Heartbeat = v
		}
		out = append(out, rec)
	}
	return out, nil
}

// ClaimEvaluation performs an atomic set-if-absent on the (defense,
// attack) claim key with a 24h TTL, returning true iff the caller
// installed the key. This is the de-duplication gate that prevents two
// concurrent attack-jobs from both enqueueing the same pair.
func (r *Registry) ClaimEvaluation(ctx context.Context, defenseSubmissionID, attackSubmissionID, jobID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, claimKey(defenseSubmissionID, attackSubmissionID), jobID, r.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("registry: claim_evaluation(%s,%s): %w", defenseSubmissionID, attackSubmissionID, err)
	}
	return ok, nil
}
