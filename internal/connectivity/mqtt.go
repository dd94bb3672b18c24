package connectivity

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTClient is the subset of the paho client the monitor needs, so tests
// can substitute a fake.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// MQTTMonitor derives connectivity from a broker session: the paho
// on-connect handler marks the client online and the connection-lost
// handler marks it offline. Auto-reconnect produces the online edge when the
// network returns.
type MQTTMonitor struct {
	*notifier
	broker         string
	clientID       string
	connectTimeout time.Duration
	logger         *slog.Logger
	client         MQTTClient
	clientFactory  func(opts *mqtt.ClientOptions) MQTTClient
}

// NewMQTTMonitor creates a monitor for the broker URL (e.g. tcp://host:1883).
// An empty clientID gets a random one.
func NewMQTTMonitor(broker, clientID string, logger *slog.Logger) *MQTTMonitor {
	return NewMQTTMonitorWithClient(broker, clientID, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return mqtt.NewClient(opts)
	})
}

// NewMQTTMonitorWithClient is NewMQTTMonitor with a custom client factory.
func NewMQTTMonitorWithClient(broker, clientID string, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if clientID == "" {
		clientID = "mealsync-" + uuid.New().String()[:8]
	}
	logger = logger.With("component", "mqtt-monitor")
	return &MQTTMonitor{
		notifier:       newNotifier(false, logger),
		broker:         broker,
		clientID:       clientID,
		connectTimeout: 10 * time.Second,
		logger:         logger,
		clientFactory:  factory,
	}
}

// Options builds the paho options with the connectivity handlers installed.
func (m *MQTTMonitor) Options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.broker)
	opts.SetClientID(m.clientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		m.logger.Debug("mqtt connected")
		m.set(true)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("mqtt connection lost", "error", err)
		m.set(false)
	})
	return opts
}

// Start connects to the broker. An unreachable broker is not an error: the
// monitor stays offline and paho keeps retrying in the background.
func (m *MQTTMonitor) Start() error {
	m.client = m.clientFactory(m.Options())

	m.logger.Info("connecting to mqtt broker", "broker", m.broker)
	token := m.client.Connect()
	if !token.WaitTimeout(m.connectTimeout) {
		m.logger.Warn("mqtt broker not reachable yet, starting offline", "broker", m.broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}
	return nil
}

// Stop disconnects and marks the monitor offline.
func (m *MQTTMonitor) Stop() {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	m.set(false)
}
