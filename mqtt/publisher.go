// Package mqtt publishes machine snapshots to MQTT brokers for dashboards
// and factory data collection.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"ringbridge/bridge"
	"ringbridge/config"
	"ringbridge/logging"
)

const publishTimeout = 2 * time.Second

// Publisher maintains a connection to a single broker and publishes
// snapshot and test-record messages under the configured namespace.
type Publisher struct {
	cfg       *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex
}

// NewPublisher creates a publisher for one broker.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		cfg:       cfg,
		namespace: namespace,
	}
}

// Start connects to the broker. Paho handles reconnection after that.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	scheme := "tcp"
	if p.cfg.UseTLS {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, p.cfg.Broker, p.cfg.Port)

	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	if p.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		logging.DebugLog("mqtt", "%s: connected to %s", p.cfg.Name, broker)
	})
	opts.SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
		logging.DebugLog("mqtt", "%s: connection lost: %v", p.cfg.Name, err)
	})

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}

	p.running = true
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.client.Disconnect(250)
	p.running = false
}

// IsConnected reports whether the broker connection is up.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running && p.client != nil && p.client.IsConnected()
}

// liveTopic is where every snapshot goes, retained so late subscribers get
// the machine state immediately.
func (p *Publisher) liveTopic() string {
	return p.namespace + "/live"
}

// recordTopic is where completed-test records go.
func (p *Publisher) recordTopic() string {
	return p.namespace + "/test/complete"
}

// PublishSnapshot publishes a live snapshot. Failures are logged, not
// returned: the broker is best-effort and must never slow the data path.
func (p *Publisher) PublishSnapshot(snap *bridge.Snapshot) {
	p.publish(p.liveTopic(), snap, true)
}

// PublishTestRecord publishes a completed-test snapshot, not retained.
func (p *Publisher) PublishTestRecord(snap *bridge.Snapshot) {
	p.publish(p.recordTopic(), snap, false)
}

func (p *Publisher) publish(topic string, v interface{}, retain bool) {
	if !p.IsConnected() {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		logging.DebugLog("mqtt", "%s: marshal failed: %v", p.cfg.Name, err)
		return
	}

	token := p.client.Publish(topic, 0, retain, data)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		logging.DebugLog("mqtt", "%s: publish %s failed: %v", p.cfg.Name, topic, token.Error())
	}
}
