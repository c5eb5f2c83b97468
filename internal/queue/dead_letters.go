package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"story-pipeline/internal/config"
)

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// DeadLetter describes a job that failed on its final attempt.
type DeadLetter struct {
	JobID        string    `json:"jobId"`
	ScenarioSlug string    `json:"scenarioSlug"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// DeadLetters keeps exhausted jobs in Redis for operators: a list preserves
// arrival order and a hash holds the details.
type DeadLetters struct {
	client    *redis.Client
	listKey   string
	detailKey string
}

// NewDeadLetters stores entries under key (list) and key+":detail" (hash).
func NewDeadLetters(client *redis.Client, key string) *DeadLetters {
	if key == "" {
		key = "story:dead-letters"
	}
	return &DeadLetters{client: client, listKey: key, detailKey: key + ":detail"}
}

// Push records a dead letter. Pushing the same job again replaces its entry.
func (d *DeadLetters) Push(ctx context.Context, dl DeadLetter) error {
	if dl.RecordedAt.IsZero() {
		dl.RecordedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := d.client.TxPipeline()
	pipe.LRem(ctx, d.listKey, 0, dl.JobID)
	pipe.RPush(ctx, d.listKey, dl.JobID)
	pipe.HSet(ctx, d.detailKey, dl.JobID, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push dead letter %s: %w", dl.JobID, err)
	}
	return nil
}

// Peek returns up to count dead letters, oldest first.
func (d *DeadLetters) Peek(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		count = 50
	}
	ids, err := d.client.LRange(ctx, d.listKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letter list: %w", err)
	}
	out := make([]DeadLetter, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	details, err := d.client.HMGet(ctx, d.detailKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letter details: %w", err)
	}
	for i, raw := range details {
		s, ok := raw.(string)
		if !ok {
			out = append(out, DeadLetter{JobID: ids[i]})
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", ids[i], err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Remove forgets a job, typically after it was reset.
func (d *DeadLetters) Remove(ctx context.Context, jobID string) error {
	pipe := d.client.TxPipeline()
	pipe.LRem(ctx, d.listKey, 0, jobID)
	pipe.HDel(ctx, d.detailKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove dead letter %s: %w", jobID, err)
	}
	return nil
}

// Depth returns how many dead letters are recorded.
func (d *DeadLetters) Depth(ctx context.Context) (int64, error) {
	return d.client.LLen(ctx, d.listKey).Result()
}
