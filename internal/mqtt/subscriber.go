package mqtt

import (
	"fmt"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"vision-edge/internal/logger"
	"vision-edge/internal/models"
)

// Twin update sources
const (
	SourcePatch = "patch"
	SourceFull  = "full"
)

// Subscriber handles MQTT subscriptions and writes messages to channels
type Subscriber struct {
	client   mqtt.Client
	requests *Requests
	log      *logrus.Entry

	// Output channels (written by subscriber, read by services)
	TwinChan    chan *models.TwinUpdate
	ForwardChan chan *models.ModuleMessage

	// Topic patterns
	desiredTopic      string
	twinResponseTopic string
	inputsTopic       string
	input             string
}

// SubscriberConfig holds configuration for MQTT subscriber
type SubscriberConfig struct {
	Identity Identity
	Topics   Topics
	Input    string // only messages routed to this input are forwarded, e.g. "input1"
}

// NewSubscriber creates a new MQTT subscriber with channels
func NewSubscriber(
	client mqtt.Client,
	config SubscriberConfig,
	twinChan chan *models.TwinUpdate,
	forwardChan chan *models.ModuleMessage,
	requests *Requests,
) *Subscriber {
	return &Subscriber{
		client:            client,
		requests:          requests,
		log:               logger.Component("mqtt-subscriber"),
		TwinChan:          twinChan,
		ForwardChan:       forwardChan,
		desiredTopic:      formatTopic(config.Topics.DesiredPatch, config.Identity),
		twinResponseTopic: formatTopic(config.Topics.TwinResponse, config.Identity),
		inputsTopic:       formatTopic(config.Topics.Inputs, config.Identity),
		input:             config.Input,
	}
}

// SubscribeAll subscribes to all configured topics
func (s *Subscriber) SubscribeAll() error {
	if s.desiredTopic != "" {
		if err := s.subscribeToTopic(s.desiredTopic, s.handleDesiredPatch); err != nil {
			return fmt.Errorf("failed to subscribe to desired properties topic: %w", err)
		}
		s.log.Infof("Subscribed to desired properties topic: %s", s.desiredTopic)
	}

	if s.twinResponseTopic != "" {
		if err := s.subscribeToTopic(s.twinResponseTopic, s.handleTwinResponse); err != nil {
			return fmt.Errorf("failed to subscribe to twin response topic: %w", err)
		}
		s.log.Infof("Subscribed to twin response topic: %s", s.twinResponseTopic)
	}

	if s.inputsTopic != "" && s.ForwardChan != nil {
		if err := s.subscribeToTopic(s.inputsTopic, s.handleInput); err != nil {
			return fmt.Errorf("failed to subscribe to inputs topic: %w", err)
		}
		s.log.Infof("Subscribed to inputs topic: %s", s.inputsTopic)
	}

	return nil
}

// subscribeToTopic is a helper function to subscribe to a topic with a handler
func (s *Subscriber) subscribeToTopic(topic string, handler mqtt.MessageHandler) error {
	token := s.client.Subscribe(topic, 1, handler)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// handleDesiredPatch receives incremental desired property patches
func (s *Subscriber) handleDesiredPatch(client mqtt.Client, msg mqtt.Message) {
	s.log.WithField("topic", msg.Topic()).Debugf("Desired properties patch: %s", msg.Payload())
	s.pushTwin(&models.TwinUpdate{
		ReceivedAt: time.Now(),
		Source:     SourcePatch,
		Payload:    copyPayload(msg.Payload()),
	})
}

// handleTwinResponse receives answers to twin GET and reported properties requests
func (s *Subscriber) handleTwinResponse(client mqtt.Client, msg mqtt.Message) {
	status, rid, ok := parseTwinResponse(msg.Topic())
	if !ok {
		s.log.Warnf("Could not parse twin response topic: %s", msg.Topic())
		return
	}

	kind, known := s.requests.take(rid)
	if !known {
		s.log.Debugf("Ignoring twin response for unknown request %s", rid)
		return
	}

	entry := s.log.WithFields(logrus.Fields{"rid": rid, "status": status, "request": kind.String()})
	if status >= 300 {
		entry.Warn("Twin request failed")
		return
	}

	switch kind {
	case requestReportState:
		entry.Info("Confirmation for reported state received")
	case requestGetTwin:
		if status != http.StatusOK {
			entry.Warn("Unexpected status for twin document")
			return
		}
		entry.Info("Twin document received")
		s.pushTwin(&models.TwinUpdate{
			ReceivedAt: time.Now(),
			Source:     SourceFull,
			Payload:    copyPayload(msg.Payload()),
		})
	}
}

// handleInput forwards messages routed to the configured input
func (s *Subscriber) handleInput(client mqtt.Client, msg mqtt.Message) {
	input := extractInputName(msg.Topic())
	if input != s.input {
		s.log.Debugf("Discarding message for input %q", input)
		return
	}

	message := &models.ModuleMessage{
		ReceivedAt: time.Now(),
		Input:      input,
		Payload:    copyPayload(msg.Payload()),
	}
	s.log.WithField("input", input).Debugf("Data: <<<%s>>> & Size=%d", msg.Payload(), len(msg.Payload()))

	// Write to channel (non-blocking with timeout)
	select {
	case s.ForwardChan <- message:
		// Successfully sent
	case <-time.After(1 * time.Second):
		s.log.Warnf("Forward channel full, dropping message from %s", input)
	}
}

func (s *Subscriber) pushTwin(update *models.TwinUpdate) {
	// Write to channel (non-blocking with timeout)
	select {
	case s.TwinChan <- update:
		// Successfully sent
	case <-time.After(2 * time.Second):
		s.log.Warnf("Twin channel full, dropping %s update", update.Source)
	}
}

// the payload outlives the handler
func copyPayload(payload []byte) []byte {
	return append([]byte(nil), payload...)
}
