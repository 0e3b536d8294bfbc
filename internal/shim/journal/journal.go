// Package journal persists exit records in redis so an orchestrator that
// reconnects after the task was deleted can still resolve its exit status.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"wasmshim/internal/shim/events"
	appErr "wasmshim/pkg/errors"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "wasmshim:exit:"

// Config holds the redis connection settings.
type Config struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	// RecordTTL bounds how long an exit record outlives its task.
	RecordTTL time.Duration `yaml:"record_ttl"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		RecordTTL:    24 * time.Hour,
	}
}

// Record is one persisted exit record.
type Record struct {
	TaskID   string    `json:"task_id"`
	ExecID   string    `json:"exec_id,omitempty"`
	ExitCode int       `json:"exit_code"`
	ExitedAt time.Time `json:"exited_at"`
}

// Journal is a write-through exit-record store.
type Journal struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to redis and verifies the connection.
func New(cfg Config) (*Journal, error) {
	if cfg.Addr == "" {
		return nil, appErr.ValidationError("addr", "required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, appErr.Wrapf(err, appErr.ServiceUnavailable, "ping redis")
	}
	ttl := cfg.RecordTTL
	if ttl <= 0 {
		ttl = DefaultConfig().RecordTTL
	}
	return &Journal{client: client, ttl: ttl}, nil
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(client *redis.Client, ttl time.Duration) *Journal {
	if ttl <= 0 {
		ttl = DefaultConfig().RecordTTL
	}
	return &Journal{client: client, ttl: ttl}
}

func recordKey(taskID, execID string) string {
	if execID == "" {
		return keyPrefix + taskID
	}
	return keyPrefix + taskID + ":" + execID
}

// Write persists one exit record.
func (j *Journal) Write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return appErr.Wrap(err, appErr.InternalServerError)
	}
	if err := j.client.Set(ctx, recordKey(rec.TaskID, rec.ExecID), data, j.ttl).Err(); err != nil {
		return appErr.Wrapf(err, appErr.IOError, "write exit record")
	}
	return nil
}

// Lookup returns the persisted exit record, or NotFound.
func (j *Journal) Lookup(ctx context.Context, taskID, execID string) (Record, error) {
	data, err := j.client.Get(ctx, recordKey(taskID, execID)).Bytes()
	if err == redis.Nil {
		return Record{}, appErr.Newf(appErr.NotFound, "no exit record for task %q exec %q", taskID, execID)
	}
	if err != nil {
		return Record{}, appErr.Wrapf(err, appErr.IOError, "read exit record")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, appErr.Wrap(err, appErr.InternalServerError)
	}
	return rec, nil
}

// Ping verifies the connection.
func (j *Journal) Ping(ctx context.Context) error {
	return j.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (j *Journal) Close() error {
	return j.client.Close()
}

// Sink adapts the journal to the event pipeline: exit events are written
// through, everything else passes.
type Sink struct {
	journal *Journal
}

// NewSink wraps the journal as an event sink.
func NewSink(j *Journal) *Sink {
	return &Sink{journal: j}
}

func (s *Sink) Send(ctx context.Context, event events.Event) error {
	if event.Kind != events.KindExit {
		return nil
	}
	return s.journal.Write(ctx, Record{
		TaskID:   event.TaskID,
		ExecID:   event.ExecID,
		ExitCode: event.ExitCode,
		ExitedAt: event.Timestamp,
	})
}
