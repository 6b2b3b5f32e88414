// Package archive buffers engineered feature rows and flushes them to
// ClickHouse on a ticker, independent of the authoritative sqlite store, for
// offline retraining and analytics.
package archive

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/atailh4n/sentryd/internal/capture"
)

// Config configures the ClickHouse connection and flush cadence.
type Config struct {
	Host          string
	Port          int
	Database      string
	Username      string
	Password      string
	UseTLS        bool
	BatchSize     int
	FlushInterval time.Duration
}

// Row is one archived observation: the engineered feature vector alongside
// the record it was computed from.
type Row struct {
	Ts       time.Time
	SrcIP    string
	DestIP   string
	Features capture.FeatureVector
	Label    string
}

// Sink buffers Rows and flushes them to ClickHouse in batches, either when
// the buffer fills or a ticker fires, whichever comes first.
type Sink struct {
	conn   driver.Conn
	cfg    Config
	mu     sync.Mutex
	buffer []Row
	done   chan struct{}
}

// Open connects to ClickHouse, ensures the archive table exists, and starts
// the background flush loop.
func Open(cfg Config) (*Sink, error) {
	opts := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: 10 * time.Second,
	}
	if cfg.UseTLS {
		opts.TLS = &tls.Config{InsecureSkipVerify: false}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("archive: connect failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("archive: ping failed: %w", err)
	}
	if err := initSchema(ctx, conn); err != nil {
		return nil, err
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	s := &Sink{
		conn:   conn,
		cfg:    cfg,
		buffer: make([]Row, 0, cfg.BatchSize),
		done:   make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

func initSchema(ctx context.Context, conn driver.Conn) error {
	return conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS feature_observations (
			ts DateTime64(3),
			src_ip String,
			dest_ip String,
			protocol Float64,
			packet_size_log Float64,
			time_diff Float64,
			dport Float64,
			is_ephemeral_sport Float64,
			unique_dports_15s Float64,
			direction Float64,
			label String
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMMDD(ts)
		ORDER BY (ts, src_ip)
		TTL ts + INTERVAL 90 DAY
	`)
}

// Write appends row to the buffer, flushing synchronously once the batch
// size threshold is reached.
func (s *Sink) Write(row Row) {
	s.mu.Lock()
	s.buffer = append(s.buffer, row)
	shouldFlush := len(s.buffer) >= s.cfg.BatchSize
	s.mu.Unlock()

	if shouldFlush {
		s.Flush()
	}
}

// Flush forces a batch insert of whatever is currently buffered.
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO feature_observations")
	if err != nil {
		log.Printf("archive: prepare batch failed: %v", err)
		return
	}
	for _, r := range s.buffer {
		if err := batch.Append(
			r.Ts, r.SrcIP, r.DestIP,
			r.Features.Protocol, r.Features.PacketSizeLog, r.Features.TimeDiff,
			r.Features.Dport, r.Features.IsEphemeralSport, r.Features.UniqueDports15s,
			r.Features.Direction, r.Label,
		); err != nil {
			log.Printf("archive: batch append failed: %v", err)
			return
		}
	}
	if err := batch.Send(); err != nil {
		log.Printf("archive: batch send failed: %v", err)
		return
	}
	s.buffer = s.buffer[:0]
}

func (s *Sink) flushLoop() {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			s.Flush()
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Close stops the flush loop, flushing any remaining buffered rows first.
func (s *Sink) Close() error {
	close(s.done)
	s.Flush()
	return s.conn.Close()
}
