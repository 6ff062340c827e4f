package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/wellpulse/loadsim/internal/ingest"
	"github.com/wellpulse/loadsim/pkg/models"
)

// MQTTConfig configures the MQTT publishing sink
type MQTTConfig struct {
	Broker         string // tcp://host:1883
	ClientID       string
	TopicPrefix    string
	TenantID       string
	QoS            byte
	Username       string
	Password       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// publisher is the slice of the paho client the transport needs
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
}

// MQTTTransport publishes each reading and entry as a JSON message
type MQTTTransport struct {
	cfg        MQTTConfig
	client     publisher
	logger     zerolog.Logger
	reconnects atomic.Int64
}

// NewMQTTTransport connects to the broker and waits for the CONNACK
func NewMQTTTransport(cfg MQTTConfig, logger zerolog.Logger) (*MQTTTransport, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	t := &MQTTTransport{cfg: cfg, logger: logger.With().Str("sink", "mqtt").Logger()}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		t.logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		t.reconnects.Add(1)
		t.logger.Info().Int64("reconnect_count", t.reconnects.Load()).Msg("Reconnecting to MQTT broker")
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("%w: mqtt connect timeout after %s", ingest.ErrConnection, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: mqtt connect: %v", ingest.ErrConnection, err)
	}
	t.client = client

	t.logger.Info().
		Str("broker", cfg.Broker).
		Str("topic_prefix", cfg.TopicPrefix).
		Int("qos", int(cfg.QoS)).
		Msg("MQTT sink connected")

	return t, nil
}

// mqttTopic builds {prefix}/{tenant}/{wellId}/{kind}
func mqttTopic(prefix, tenant, wellID, kind string) string {
	parts := make([]string, 0, 4)
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	return strings.Join(append(parts, tenant, wellID, kind), "/")
}

func (t *MQTTTransport) SendReading(ctx context.Context, r models.Reading) error {
	return t.publish(ctx, mqttTopic(t.cfg.TopicPrefix, t.cfg.TenantID, r.WellID, "readings"), r)
}

func (t *MQTTTransport) SendEntry(ctx context.Context, e models.MobileEntry) error {
	return t.publish(ctx, mqttTopic(t.cfg.TopicPrefix, t.cfg.TenantID, e.WellID, "field-data"), e)
}

func (t *MQTTTransport) publish(ctx context.Context, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ingest.ErrRejected, err)
	}
	if !t.client.IsConnectionOpen() {
		return fmt.Errorf("%w: mqtt broker not connected", ingest.ErrConnection)
	}

	if t.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.PublishTimeout)
		defer cancel()
	}

	token := t.client.Publish(topic, t.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: mqtt publish: %v", ingest.ErrConnection, err)
	}
	return nil
}

func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	t.logger.Info().Msg("MQTT sink disconnected")
	return nil
}

func (t *MQTTTransport) Name() string { return "mqtt" }
