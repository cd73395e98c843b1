package queue

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
)

// TLSConfig controls TLS behaviour for Redis connections.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// ConsumerConfig configures the Redis Streams job consumer.
type ConsumerConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	DeadStream   string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	ReclaimIdle  time.Duration
	PoolSize     int
	MasterName   string
	TLS          TLSConfig
}

// Consumer reads transcode jobs from a Redis stream through a consumer
// group. Entries stay pending until the delivery is acknowledged, requeued
// or rejected, so a crashed worker's jobs can be reclaimed.
type Consumer struct {
	client       redis.UniversalClient
	stream       string
	deadStream   string
	group        string
	consumer     string
	blockTimeout time.Duration
	reclaimIdle  time.Duration
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool

	pending []streamEntry
}

// NewConsumer connects to Redis and joins (or creates) the consumer group.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "vodforge:jobs"
	}
	deadStream := strings.TrimSpace(cfg.DeadStream)
	if deadStream == "" {
		deadStream = stream + ":dead"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcode-workers"
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	c := &Consumer{
		client:       client,
		stream:       stream,
		deadStream:   deadStream,
		group:        group,
		consumer:     randomConsumerID(),
		blockTimeout: cfg.BlockTimeout,
		reclaimIdle:  cfg.ReclaimIdle,
		logger:       cfg.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.blockTimeout <= 0 {
		c.blockTimeout = 2 * time.Second
	}
	if c.reclaimIdle <= 0 {
		c.reclaimIdle = 5 * time.Minute
	}
	if err := c.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// Publish appends a job to the stream. Used by tooling and tests; the
// producing upload service writes the same field layout.
func (c *Consumer) Publish(ctx context.Context, job models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	return c.client.Do(ctx, "XADD", c.stream, "*", "payload", string(payload)).Err()
}

// Receive blocks until a job is delivered or the context ends. Transport
// errors are returned to the caller so it can apply its own retry delay.
// Entries carrying an undecodable payload are moved to the dead-letter
// stream without being surfaced.
func (c *Consumer) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.ensureGroup(ctx); err != nil {
			return nil, err
		}
		entry, ok := c.nextEntry()
		if !ok {
			entries, err := c.read(ctx)
			if err != nil {
				return nil, err
			}
			if len(entries) == 0 {
				reclaimed, err := c.reclaim(ctx)
				if err != nil {
					return nil, err
				}
				entries = reclaimed
			}
			if len(entries) == 0 {
				continue
			}
			c.pending = append(c.pending, entries...)
			entry, _ = c.nextEntry()
		}
		metrics.ObserveQueueEvent("delivered")

		var job models.Job
		if err := json.Unmarshal(entry.Payload, &job); err != nil {
			c.logger.Error("job payload decode failed", "id", entry.ID, "error", err)
			c.deadLetter(ctx, entry)
			continue
		}
		return &Delivery{Job: job, ID: entry.ID, payload: entry.Payload, consumer: c}, nil
	}
}

// Close releases the Redis connection. Deliveries still pending remain in
// the group's pending list for another worker to reclaim.
func (c *Consumer) Close() error {
	return c.client.Close()
}

func (c *Consumer) nextEntry() (streamEntry, bool) {
	if len(c.pending) == 0 {
		return streamEntry{}, false
	}
	entry := c.pending[0]
	c.pending = c.pending[1:]
	return entry, true
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	if c.groupReady.Load() {
		return nil
	}
	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	if c.groupReady.Load() {
		return nil
	}
	if err := c.client.Do(ctx, "XGROUP", "CREATE", c.stream, c.group, "0", "MKSTREAM").Err(); err != nil {
		if isBusyGroup(err) {
			c.groupReady.Store(true)
			return nil
		}
		return err
	}
	c.groupReady.Store(true)
	return nil
}

func (c *Consumer) read(ctx context.Context) ([]streamEntry, error) {
	blockMs := int(math.Max(float64(c.blockTimeout.Milliseconds()), 1))
	reply, err := c.client.Do(
		ctx,
		"XREADGROUP",
		"GROUP",
		c.group,
		c.consumer,
		"COUNT",
		"1",
		"BLOCK",
		strconv.Itoa(blockMs),
		"STREAMS",
		c.stream,
		">",
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	streams, ok := reply.([]interface{})
	if !ok || len(streams) == 0 {
		return nil, nil
	}
	var entries []streamEntry
	for _, stream := range streams {
		parts, ok := stream.([]interface{})
		if !ok || len(parts) != 2 {
			continue
		}
		records, _ := parts[1].([]interface{})
		entries = append(entries, parseRecords(records)...)
	}
	return entries, nil
}

// reclaim claims entries another consumer left pending for longer than the
// reclaim idle window, so jobs from a dead worker are eventually retried.
func (c *Consumer) reclaim(ctx context.Context) ([]streamEntry, error) {
	reply, err := c.client.Do(
		ctx,
		"XAUTOCLAIM",
		c.stream,
		c.group,
		c.consumer,
		strconv.FormatInt(c.reclaimIdle.Milliseconds(), 10),
		"0-0",
		"COUNT",
		"1",
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	parts, ok := reply.([]interface{})
	if !ok || len(parts) < 2 {
		return nil, nil
	}
	records, _ := parts[1].([]interface{})
	return parseRecords(records), nil
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return c.client.Do(ctx, "XACK", c.stream, c.group, id).Err()
}

func (c *Consumer) deadLetter(ctx context.Context, entry streamEntry) {
	if err := c.ack(ctx, entry.ID); err != nil {
		c.logger.Warn("dead-letter ack failed", "id", entry.ID, "error", err)
	}
	if len(entry.Payload) == 0 {
		return
	}
	if err := c.client.Do(ctx, "XADD", c.deadStream, "*", "payload", string(entry.Payload)).Err(); err != nil {
		c.logger.Warn("dead-letter publish failed", "id", entry.ID, "error", err)
	}
	metrics.ObserveQueueEvent("rejected")
}

// Delivery is one job handed to the worker. Exactly one of Ack, Requeue or
// Reject must be called when processing finishes.
type Delivery struct {
	Job models.Job
	ID  string

	payload  []byte
	consumer *Consumer
	done     sync.Once
}

// Ack confirms the job was processed and removes it from the pending list.
func (d *Delivery) Ack(ctx context.Context) error {
	var err error
	d.done.Do(func() {
		err = d.consumer.ack(ctx, d.ID)
		if err == nil {
			metrics.ObserveQueueEvent("acked")
		}
	})
	return err
}

// Requeue puts the job back on the stream for another attempt. The original
// entry is acknowledged first so it cannot be delivered twice.
func (d *Delivery) Requeue(ctx context.Context) error {
	var err error
	d.done.Do(func() {
		if err = d.consumer.ack(ctx, d.ID); err != nil {
			return
		}
		err = d.consumer.client.Do(ctx, "XADD", d.consumer.stream, "*", "payload", string(d.payload)).Err()
		if err == nil {
			metrics.ObserveQueueEvent("requeued")
		}
	})
	return err
}

// Reject drops the job permanently, moving it to the dead-letter stream for
// inspection. Used for failures a retry cannot fix.
func (d *Delivery) Reject(ctx context.Context) error {
	var err error
	d.done.Do(func() {
		if err = d.consumer.ack(ctx, d.ID); err != nil {
			return
		}
		if len(d.payload) > 0 {
			err = d.consumer.client.Do(ctx, "XADD", d.consumer.deadStream, "*", "payload", string(d.payload)).Err()
		}
		if err == nil {
			metrics.ObserveQueueEvent("rejected")
		}
	})
	return err
}

type streamEntry struct {
	ID      string
	Payload []byte
}

func parseRecords(records []interface{}) []streamEntry {
	var entries []streamEntry
	for _, record := range records {
		tuple, ok := record.([]interface{})
		if !ok || len(tuple) != 2 {
			continue
		}
		id, _ := asString(tuple[0])
		fields, _ := tuple[1].([]interface{})
		payload := extractPayload(fields)
		if id == "" || len(payload) == 0 {
			continue
		}
		entries = append(entries, streamEntry{ID: id, Payload: payload})
	}
	return entries
}

func extractPayload(fields []interface{}) []byte {
	for i := 0; i < len(fields); i += 2 {
		key, _ := asString(fields[i])
		if strings.EqualFold(key, "payload") && i+1 < len(fields) {
			value, _ := asString(fields[i+1])
			if value != "" {
				return []byte(value)
			}
		}
	}
	return nil
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygrou")
}

func isNilReply(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nil reply") || strings.Contains(msg, "timeout")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("worker-%s", hex.EncodeToString(buf))
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
