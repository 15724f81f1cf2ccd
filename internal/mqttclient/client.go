// Package mqttclient implements the MQTTS wire client and the active
// printer's MQTT session: subscription to the report topic, the initial and
// periodic pushall requests, heartbeat-based liveness, and command
// publishing to device/<serial>/request.
package mqttclient

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	DefaultPort     = 8883
	DefaultUsername = "bblp"

	qos            = 0
	connectTimeout = 10 * time.Second
	publishTimeout = 10 * time.Second
	keepAlive      = 10 * time.Second
)

// Config identifies one printer's MQTT endpoint.
type Config struct {
	Host       string
	Port       int
	Serial     string
	AccessCode string
	Username   string
	ClientID   string
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Username == "" {
		c.Username = DefaultUsername
	}
	if c.ClientID == "" {
		c.ClientID = "fleetd-" + c.Serial
	}
	return c
}

// ReportTopic returns the telemetry topic for serial.
func ReportTopic(serial string) string { return fmt.Sprintf("device/%s/report", serial) }

// RequestTopic returns the command topic for serial.
func RequestTopic(serial string) string { return fmt.Sprintf("device/%s/request", serial) }

// Client is a single TLS MQTT connection to one printer. Printers present
// self-signed certificates, so verification is disabled; the access code is
// the trust boundary.
type Client struct {
	cfg         Config
	client      paho.Client
	lastMessage atomic.Int64 // nanoseconds, monotonic-ish via time.Now

	onPayload func(raw []byte)
	onLost    chan error
}

// NewClient builds a client that invokes onPayload for every report-topic
// message. Connection loss is signalled on Lost().
func NewClient(cfg Config, onPayload func(raw []byte)) *Client {
	return &Client{
		cfg:       cfg.withDefaults(),
		onPayload: onPayload,
		onLost:    make(chan error, 1),
	}
}

// Connect dials the broker, subscribes to the report topic, and issues the
// initial pushall + get_version requests.
func (c *Client) Connect() error {
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", c.cfg.Host, c.cfg.Port)).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.AccessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetAutoReconnect(false).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			select {
			case c.onLost <- err:
			default:
			}
		})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timeout for %s", c.cfg.Host)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", c.cfg.Host, err)
	}

	sub := c.client.Subscribe(ReportTopic(c.cfg.Serial), qos, func(_ paho.Client, msg paho.Message) {
		c.lastMessage.Store(time.Now().UnixNano())
		if c.onPayload != nil {
			c.onPayload(msg.Payload())
		}
	})
	if !sub.WaitTimeout(connectTimeout) || sub.Error() != nil {
		c.client.Disconnect(250)
		return fmt.Errorf("mqtt subscribe for %s: %v", c.cfg.Serial, sub.Error())
	}

	c.lastMessage.Store(time.Now().UnixNano())
	if err := c.Publish(PushallCommand()); err != nil {
		c.client.Disconnect(250)
		return err
	}
	if err := c.Publish(GetVersionCommand()); err != nil {
		c.client.Disconnect(250)
		return err
	}
	return nil
}

// Publish JSON-encodes payload and publishes it to the request topic.
func (c *Client) Publish(payload map[string]any) error {
	if c.client == nil {
		return fmt.Errorf("mqtt client not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling mqtt command: %w", err)
	}
	token := c.client.Publish(RequestTopic(c.cfg.Serial), qos, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish timeout")
	}
	return token.Error()
}

// Lost yields when the broker connection drops.
func (c *Client) Lost() <-chan error { return c.onLost }

func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// IdleTime reports how long it has been since the last inbound report.
func (c *Client) IdleTime() time.Duration {
	last := c.lastMessage.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

func (c *Client) Disconnect() {
	if c.client != nil {
		c.client.Disconnect(250)
	}
}

// PushallCommand asks the device to republish its full state.
func PushallCommand() map[string]any {
	return map[string]any{"pushing": map[string]any{"command": "pushall"}}
}

// GetVersionCommand asks for the module/firmware inventory.
func GetVersionCommand() map[string]any {
	return map[string]any{"info": map[string]any{"command": "get_version"}}
}

// HeartbeatCommand probes a silent printer for responsiveness.
func HeartbeatCommand() map[string]any {
	return map[string]any{"print": map[string]any{"command": "heartbeat"}}
}
