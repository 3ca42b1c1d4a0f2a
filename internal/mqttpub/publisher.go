// Package mqttpub publishes corrected positions and capture results to an
// MQTT broker.
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"geocam/internal/capture"
	"geocam/internal/config"
	"geocam/internal/gps"
)

const (
	publishTimeout  = 5 * time.Second
	disconnectQuiet = 250 // ms
)

var ErrPublishTimeout = errors.New("mqtt: publish timed out")

type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Publisher struct {
	c        client
	topic    string
	qos      byte
	retained bool
	log      logrus.FieldLogger
	close    func()
}

// Connect dials the broker and returns a publisher for cfg.Topic.
func Connect(cfg config.MQTTConfig, logger logrus.FieldLogger) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	p := newPublisher(c, cfg.Topic, byte(cfg.QoS), cfg.Retained, logger)
	p.close = func() { c.Disconnect(disconnectQuiet) }
	p.log.WithField("broker", cfg.Broker).Info("mqtt connected")
	return p, nil
}

func newPublisher(c client, topic string, qos byte, retained bool, logger logrus.FieldLogger) *Publisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Publisher{
		c:        c,
		topic:    topic,
		qos:      qos,
		retained: retained,
		log:      logger.WithField("topic", topic),
	}
}

func (p *Publisher) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	token := p.c.Publish(topic, p.qos, p.retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// PublishPosition sends one fix to the position topic.
func (p *Publisher) PublishPosition(pos gps.Position) error {
	return p.publish(p.topic, pos)
}

type framesMessage struct {
	RunID  string          `json:"runId"`
	Mode   capture.Mode    `json:"mode"`
	Frames []capture.Frame `json:"frames"`
}

// PublishFrames sends the correlated frames of a capture run to
// <topic>/frames.
func (p *Publisher) PublishFrames(runID string, mode capture.Mode, frames []capture.Frame) error {
	return p.publish(p.topic+"/frames", framesMessage{RunID: runID, Mode: mode, Frames: frames})
}

// Run publishes every position from sub until it closes or ctx is done.
func (p *Publisher) Run(ctx context.Context, sub *gps.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case pos, ok := <-sub.C():
			if !ok {
				return
			}
			if err := p.PublishPosition(pos); err != nil {
				p.log.WithError(err).Warn("mqtt publish failed")
			}
		}
	}
}

func (p *Publisher) Close() {
	if p.close != nil {
		p.close()
	}
}
