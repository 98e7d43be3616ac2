package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"previz.stage/internal/core/domain"
	"previz.stage/internal/core/logger"
)

const topicPrefix = "previz"

// Publisher mirrors observer events onto MQTT topics so lightweight
// clients can follow job and display activity without holding an HTTP
// connection open.
type Publisher struct {
	client mqtt.Client
}

func NewPublisher(brokerURL string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("previz-stage-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	logger.Info("Connected to MQTT broker", "url", brokerURL)
	return &Publisher{client: client}, nil
}

func (p *Publisher) Emit(ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("Failed to marshal event", "error", err)
		return
	}

	topic := fmt.Sprintf("%s/events", topicPrefix)
	if ev.JobID != "" {
		topic = fmt.Sprintf("%s/jobs/%s", topicPrefix, ev.JobID)
	}

	// QoS 0, fire and forget. Token errors are not waited on; the
	// observer channel is best-effort.
	p.client.Publish(topic, 0, false, payload)
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
