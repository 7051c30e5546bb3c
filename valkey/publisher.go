// Package valkey mirrors the latest machine snapshot into a Valkey/Redis
// server: a SET of the live key for request/response consumers, plus a
// PUBLISH on a channel for subscribers.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ringbridge/bridge"
	"ringbridge/config"
	"ringbridge/logging"
)

const opTimeout = 2 * time.Second

// joinKey joins key segments with colons, trimming stray colons from each
// segment so namespaces like "plant:" do not produce empty key parts.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// Publisher mirrors snapshots into one Valkey server.
type Publisher struct {
	cfg       *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex
}

// NewPublisher creates a publisher for one server.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		cfg:       cfg,
		namespace: namespace,
	}
}

// Start connects and pings the server.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	opts := &redis.Options{
		Addr:     p.cfg.Address,
		Password: p.cfg.Password,
		DB:       p.cfg.Database,
	}
	if p.cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("valkey connect %s: %w", p.cfg.Address, err)
	}

	p.client = client
	p.running = true
	return nil
}

// Stop closes the connection.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.client.Close()
	p.client = nil
	p.running = false
}

// LiveKey returns the key holding the latest snapshot.
func (p *Publisher) LiveKey() string {
	return joinKey(p.namespace, "live")
}

// EventChannel returns the pub/sub channel snapshots are announced on.
func (p *Publisher) EventChannel() string {
	return joinKey(p.namespace, "live", "events")
}

// RecordKey returns the list key completed-test records are pushed to.
func (p *Publisher) RecordKey() string {
	return joinKey(p.namespace, "test", "records")
}

// PublishSnapshot stores the snapshot under the live key and announces it on
// the event channel. Best-effort: errors are logged and dropped.
func (p *Publisher) PublishSnapshot(snap *bridge.Snapshot) {
	p.mu.RLock()
	client, running := p.client, p.running
	p.mu.RUnlock()
	if !running {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		logging.DebugLog("valkey", "%s: marshal failed: %v", p.cfg.Name, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := client.Pipeline()
	pipe.Set(ctx, p.LiveKey(), data, p.cfg.KeyTTL)
	pipe.Publish(ctx, p.EventChannel(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.DebugLog("valkey", "%s: publish failed: %v", p.cfg.Name, err)
	}
}

// PublishTestRecord appends a completed-test snapshot to the record list.
func (p *Publisher) PublishTestRecord(snap *bridge.Snapshot) {
	p.mu.RLock()
	client, running := p.client, p.running
	p.mu.RUnlock()
	if !running {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		logging.DebugLog("valkey", "%s: marshal failed: %v", p.cfg.Name, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.RPush(ctx, p.RecordKey(), data).Err(); err != nil {
		logging.DebugLog("valkey", "%s: record push failed: %v", p.cfg.Name, err)
	}
}
