package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vision-edge/internal/logger"
	"vision-edge/internal/models"
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time
var ErrPublishTimeout = errors.New("publish timed out")

// Publisher sends telemetry, reported properties and twin requests to the hub
type Publisher struct {
	client   mqtt.Client
	identity Identity
	topics   Topics
	timeout  time.Duration
	requests *Requests
	log      *logrus.Entry

	// Input channel (read by publisher, written by subscriber): module messages to forward
	ForwardChan   chan *models.ModuleMessage
	forwardOutput string

	sent      atomic.Int64
	confirmed atomic.Int64
}

// PublisherConfig holds configuration for MQTT publisher
type PublisherConfig struct {
	Identity       Identity
	Topics         Topics
	MessageTimeout time.Duration // how long to wait for the broker acknowledgement
	ForwardOutput  string        // output that forwarded module messages go to
}

// NewPublisher creates a new MQTT publisher. requests must be shared with the
// Subscriber that handles twin responses.
func NewPublisher(
	client mqtt.Client,
	config PublisherConfig,
	forwardChan chan *models.ModuleMessage,
	requests *Requests,
) *Publisher {
	return &Publisher{
		client:        client,
		identity:      config.Identity,
		topics:        config.Topics,
		timeout:       config.MessageTimeout,
		requests:      requests,
		log:           logger.Component("mqtt-publisher"),
		ForwardChan:   forwardChan,
		forwardOutput: config.ForwardOutput,
	}
}

// Start forwards module messages from the channel
// Runs until context is cancelled or channel is closed
func (p *Publisher) Start(ctx context.Context) {
	p.log.Info("Starting...")

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Context cancelled, shutting down...")
			return

		case msg, ok := <-p.ForwardChan:
			if !ok {
				p.log.Info("Forward channel closed, shutting down...")
				return
			}

			if err := p.SendMessage(p.forwardOutput, msg.Payload); err != nil {
				p.log.Warnf("Error forwarding message from %s: %v", msg.Input, err)
			}
		}
	}
}

// SendMessage publishes a telemetry message to the named output
func (p *Publisher) SendMessage(output string, body []byte) error {
	messageID := uuid.NewString()
	topic := telemetryTopic(p.topics.Telemetry, p.identity, output, messageID)

	sent := p.sent.Add(1)
	p.log.WithFields(logrus.Fields{"output": output, "message_id": messageID, "count": sent}).Debug("Sending message")

	if err := p.publish(topic, body); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", output, err)
	}

	confirmed := p.confirmed.Add(1)
	p.log.WithFields(logrus.Fields{"message_id": messageID, "confirmed": confirmed}).Debug("Confirmation received")
	return nil
}

// ReportState publishes a reported properties patch
func (p *Publisher) ReportState(payload []byte) error {
	rid := p.requests.add(requestReportState)
	topic := formatTopic(p.topics.ReportedPatch, p.identity, "{rid}", rid)

	if err := p.publish(topic, payload); err != nil {
		p.requests.drop(rid)
		return fmt.Errorf("failed to report state: %w", err)
	}

	p.log.WithField("rid", rid).Debugf("Reported state sent: %s", payload)
	return nil
}

// RequestTwin asks the hub for the full twin document. The answer arrives on the
// twin response topic and is handled by the Subscriber.
func (p *Publisher) RequestTwin() error {
	rid := p.requests.add(requestGetTwin)
	topic := formatTopic(p.topics.TwinGet, p.identity, "{rid}", rid)

	if err := p.publish(topic, nil); err != nil {
		p.requests.drop(rid)
		return fmt.Errorf("failed to request twin: %w", err)
	}

	p.log.WithField("rid", rid).Debug("Twin requested")
	return nil
}

// Stats returns the number of messages sent and confirmed
func (p *Publisher) Stats() (sent, confirmed int64) {
	return p.sent.Load(), p.confirmed.Load()
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 1, false, payload)
	if p.timeout > 0 {
		if !token.WaitTimeout(p.timeout) {
			return ErrPublishTimeout
		}
	} else {
		token.Wait()
	}
	return token.Error()
}
