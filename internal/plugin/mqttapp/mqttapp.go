// Package mqttapp implements an App plugin (C8): the MQTT northbound
// consumer named throughout the specification, publishing every group
// snapshot it receives to a broker through
// github.com/eclipse/paho.mqtt.golang.
package mqttapp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/plugin"
)

// Setting is the JSON setting blob this app expects at Init/Setting.
type Setting struct {
	// Broker is a tcp://host:port URL.
	Broker string `json:"broker"`
	// ClientID identifies this connection to the broker.
	ClientID string `json:"client_id"`
	// TopicPrefix is prepended to every published topic, e.g.
	// "<prefix>/<driver>/<group>".
	TopicPrefix string `json:"topic_prefix"`
	// QoS is the publish quality of service (0, 1 or 2).
	QoS byte `json:"qos"`
}

// App is the mqttapp plugin's Instance.
type App struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// New constructs a fresh, unconnected App instance.
func New() *App { return &App{} }

// Module adapts New into the plugin.Module the registry expects.
type Module struct{}

// Descriptor returns the mqttapp plugin's static metadata.
func (Module) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:     "mqttapp",
		Version:  "1.0.0",
		Schema:   "1",
		NodeKind: plugin.KindApp,
		Kind:     "mqtt",
	}
}

// Open returns a fresh, uninitialized App.
func (Module) Open() (plugin.Instance, error) { return New(), nil }

// Close releases any resources Open allocated beyond what Uninit releases.
func (Module) Close(plugin.Instance) {}

// Init connects to the broker named in setting.
func (a *App) Init(_ context.Context, _ plugin.Callbacks, setting json.RawMessage) error {
	var s Setting
	if len(setting) > 0 {
		if err := json.Unmarshal(setting, &s); err != nil {
			return gatewayerr.Wrap(gatewayerr.GroupParameterInvalid, err)
		}
	}
	if s.Broker == "" {
		return gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	opts := mqtt.NewClientOptions().
		AddBroker(s.Broker).
		SetClientID(s.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	a.prefix = s.TopicPrefix
	a.qos = s.QoS
	a.client = mqtt.NewClient(opts)
	token := a.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return gatewayerr.New(gatewayerr.MQTTFailure)
	}
	if err := token.Error(); err != nil {
		return gatewayerr.Wrap(gatewayerr.MQTTFailure, err)
	}
	return nil
}

// Uninit disconnects from the broker, waiting up to 250ms to drain.
func (a *App) Uninit(context.Context) error {
	if a.client != nil {
		a.client.Disconnect(250)
	}
	return nil
}

// Start/Stop are no-ops: the MQTT connection stays live across both
// states; only whether this app is subscribed to anything changes.
func (*App) Start(context.Context) error { return nil }
func (*App) Stop(context.Context) error  { return nil }

// Setting reconnects with a new broker configuration.
func (a *App) Setting(ctx context.Context, setting json.RawMessage) error {
	if err := a.Uninit(ctx); err != nil {
		return err
	}
	return a.Init(ctx, nil, setting)
}

// Request has no app-specific RPCs; unknown types are an error.
func (*App) Request(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, gatewayerr.New(gatewayerr.GroupParameterInvalid)
}

// transDataMessage is the JSON payload published for one group snapshot.
type transDataMessage struct {
	Driver    string                     `json:"driver"`
	Group     string                     `json:"group"`
	Timestamp int64                      `json:"timestamp"`
	Values    map[string]json.RawMessage `json:"values"`
}

// HandleTransData publishes one group snapshot to
// "<prefix>/<driver>/<group>" (spec §4.6).
func (a *App) HandleTransData(_ context.Context, driver, group string, timestamp int64, values map[string]json.RawMessage) error {
	if a.client == nil || !a.client.IsConnectionOpen() {
		return gatewayerr.New(gatewayerr.MQTTIsNull)
	}
	payload, err := json.Marshal(transDataMessage{Driver: driver, Group: group, Timestamp: timestamp, Values: values})
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	topic := fmt.Sprintf("%s/%s/%s", a.prefix, driver, group)
	token := a.client.Publish(topic, a.qos, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return gatewayerr.New(gatewayerr.MQTTPublishFailure)
	}
	if err := token.Error(); err != nil {
		return gatewayerr.Wrap(gatewayerr.MQTTPublishFailure, err)
	}
	return nil
}
