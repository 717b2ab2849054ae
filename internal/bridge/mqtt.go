package bridge

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eberhagen/systemd-mqtt/internal/config"
)

const (
	qosAtMostOnce byte = 0

	connectTimeout       = 10 * time.Second
	subscribeTimeout     = 5 * time.Second
	publishTimeout       = 2 * time.Second
	maxReconnectInterval = time.Minute
	disconnectQuiesceMs  = 250
)

// mqttClient is the slice of the paho client the runtime uses. Tests
// substitute a fake.
type mqttClient interface {
	Connect() mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// netClient adapts the MQTT client to the narrow interfaces consumed by
// the dispatcher and the shutdown watcher.
type netClient struct {
	client  mqttClient
	handler mqtt.MessageHandler
}

// Subscribe registers the bridge message handler for a topic and waits for
// the broker to acknowledge.
func (n *netClient) Subscribe(topic string) error {
	token := n.client.Subscribe(topic, qosAtMostOnce, n.handler)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	return nil
}

// PublishRetained publishes a retained message and waits until it has been
// handed to the network. Bounded so a dead connection cannot stall the
// shutdown path.
func (n *netClient) PublishRetained(topic, payload string) error {
	token := n.client.Publish(topic, qosAtMostOnce, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// clientOptions builds the paho options for the configured broker. The
// runtime's handlers feed connection and message events into its loop.
func (rt *Runtime) clientOptions() (*mqtt.ClientOptions, error) {
	cfg := rt.cfg
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker())
	opts.SetClientID(cfg.MQTT.ClientID)
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	// Handlers run sequentially so command order is preserved.
	opts.SetOrderMatters(true)
	opts.SetWill(rt.statusTopic(), availabilityOffline, qosAtMostOnce, true)
	opts.SetOnConnectHandler(rt.onConnect)
	opts.SetConnectionLostHandler(rt.onConnectionLost)
	opts.SetReconnectingHandler(rt.onReconnecting)
	opts.SetDefaultPublishHandler(rt.onMessage)
	if cfg.TLSEnabled() {
		tlsCfg, err := newTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

func newTLSConfig(cfg *config.Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.MQTT.TLS.Insecure,
	}
	if cfg.MQTT.Host != "" {
		tlsCfg.ServerName = cfg.MQTT.Host
	}
	if cfg.MQTT.TLS.CAFile != "" {
		pem, err := os.ReadFile(cfg.MQTT.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.MQTT.TLS.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}
