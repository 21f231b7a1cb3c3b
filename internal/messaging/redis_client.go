// messaging/redis_client.go
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultStreamName    = "dispatch-jobs"
	DefaultConsumerGroup = "dispatch-workers"
)

// Dispatcher hands a created job to whatever runs it. It never waits for the job.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// JobHandler runs one job. The stream entry is acknowledged after it returns.
type JobHandler func(ctx context.Context, jobID string)

type MessageClient interface {
	Dispatcher
	SubscribeToJobs(ctx context.Context, consumers int, handler JobHandler) error
	HealthCheck() error
	Close() error
}

type redisClient struct {
	client        *redis.Client
	streamName    string
	consumerGroup string
	consumerName  string
	logger        *zap.Logger
}

type JobMessage struct {
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
}

func NewRedisClient(url, password string, db int, streamName, consumerGroup string, logger *zap.Logger) (MessageClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &redis.Options{
		Addr:         url,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := createConsumerGroup(ctx, client, streamName, consumerGroup, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("Redis client initialized",
		zap.String("stream", streamName),
		zap.String("group", consumerGroup))

	return &redisClient{
		client:        client,
		streamName:    streamName,
		consumerGroup: consumerGroup,
		consumerName:  fmt.Sprintf("consumer-%d", time.Now().UnixNano()),
		logger:        logger,
	}, nil
}

func createConsumerGroup(ctx context.Context, client *redis.Client, streamName, consumerGroup string, logger *zap.Logger) error {
	err := client.XGroupCreateMkStream(ctx, streamName, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}

	if err == nil {
		logger.Info("Created consumer group", zap.String("group", consumerGroup), zap.String("stream", streamName))
	} else {
		logger.Debug("Consumer group already exists", zap.String("group", consumerGroup))
	}
	return nil
}

func (c *redisClient) Dispatch(ctx context.Context, jobID string) error {
	values, err := encodeJob(jobID, time.Now().UTC())
	if err != nil {
		return err
	}

	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.streamName,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to Redis Stream: %w", err)
	}

	c.logger.Debug("Job published", zap.String("job_id", jobID), zap.String("entry_id", id))
	return nil
}

// SubscribeToJobs runs consumers readers in the consumer group until ctx is done. Each reader
// handles one entry at a time, and SubscribeToJobs returns only after every reader, and so
// every handler call, has returned.
func (c *redisClient) SubscribeToJobs(ctx context.Context, consumers int, handler JobHandler) error {
	if consumers < 1 {
		consumers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		name := fmt.Sprintf("%s-%d", c.consumerName, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.processMessages(ctx, name, handler)
		}()
	}
	c.logger.Info("Consumers started", zap.Int("consumers", consumers), zap.String("stream", c.streamName))
	wg.Wait()
	return nil
}

func (c *redisClient) processMessages(ctx context.Context, consumer string, handler JobHandler) {
	blockTime := 5 * time.Second
	log := c.logger.With(zap.String("consumer", consumer))

	for {
		if ctx.Err() != nil {
			log.Info("Consumer stopped")
			return
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.consumerGroup,
			Consumer: consumer,
			Streams:  []string{c.streamName, ">"},
			Count:    1,
			Block:    blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Warn("Error reading from Redis Stream", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				c.processMessage(ctx, log, message, handler)
			}
		}
	}
}

func (c *redisClient) processMessage(ctx context.Context, log *zap.Logger, message redis.XMessage, handler JobHandler) {
	jobID, err := decodeJob(message.Values)
	if err != nil {
		log.Error("Dropping malformed stream entry", zap.String("entry_id", message.ID), zap.Error(err))
	} else {
		log.Debug("Processing job", zap.String("job_id", jobID), zap.String("entry_id", message.ID))
		handler(ctx, jobID)
	}

	// The run outcome lives on the job record, so the entry is acknowledged either way.
	ackCtx := context.WithoutCancel(ctx)
	if err := c.client.XAck(ackCtx, c.streamName, c.consumerGroup, message.ID).Err(); err != nil {
		log.Error("Failed to ACK message", zap.String("entry_id", message.ID), zap.Error(err))
	}
}

func encodeJob(jobID string, at time.Time) (map[string]any, error) {
	data, err := json.Marshal(JobMessage{JobID: jobID, Timestamp: at})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return map[string]any{
		"job_id":  jobID,
		"data":    string(data),
		"created": at.UnixNano(),
	}, nil
}

// decodeJob prefers the plain job_id field and falls back to the JSON body.
func decodeJob(values map[string]any) (string, error) {
	if id, ok := values["job_id"].(string); ok && id != "" {
		return id, nil
	}
	raw, ok := values["data"].(string)
	if !ok {
		return "", errors.New("entry has neither job_id nor data")
	}
	var msg JobMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return "", fmt.Errorf("decode entry data: %w", err)
	}
	if msg.JobID == "" {
		return "", errors.New("entry data has an empty job_id")
	}
	return msg.JobID, nil
}

func (c *redisClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	_, err := c.client.XInfoStream(ctx, c.streamName).Result()
	if err != nil && !strings.Contains(err.Error(), "no such key") {
		return fmt.Errorf("redis stream check failed: %w", err)
	}
	return nil
}

// Close waits for running consumers, whose context must already be cancelled.
func (c *redisClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
