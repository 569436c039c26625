package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const progressTTL = 24 * time.Hour

// Progress is the live status of an ingestion run, polled by the API.
type Progress struct {
	BatchId          uint   `json:"batch_id"`
	Status           string `json:"status"`
	ProcessedRecords int    `json:"processed_records"`
	Message          string `json:"message,omitempty"`
}

// ProgressTracker stores run progress in redis so any instance can answer a
// poll. A nil redis client degrades to a no-op: progress is then only
// available from the batch row itself.
type ProgressTracker struct {
	rdb *redis.Client
}

func NewProgressTracker(rdb *redis.Client) *ProgressTracker {
	return &ProgressTracker{rdb: rdb}
}

func progressKey(tenantId string, sourceId uint) string {
	return fmt.Sprintf("ingest:progress:%s:%d", tenantId, sourceId)
}

func (t *ProgressTracker) Set(ctx context.Context, tenantId string, sourceId uint, p Progress) {
	if t == nil || t.rdb == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	t.rdb.Set(ctx, progressKey(tenantId, sourceId), data, progressTTL)
}

func (t *ProgressTracker) Get(ctx context.Context, tenantId string, sourceId uint) (Progress, bool) {
	if t == nil || t.rdb == nil {
		return Progress{}, false
	}
	data, err := t.rdb.Get(ctx, progressKey(tenantId, sourceId)).Bytes()
	if err != nil {
		return Progress{}, false
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return Progress{}, false
	}
	return p, true
}
