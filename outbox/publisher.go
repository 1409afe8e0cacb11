package outbox

import (
	"fmt"

	"github.com/nsqio/go-nsq"
	"github.com/sirupsen/logrus"
)

// Publisher delivers one outbox payload to a topic.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQPublisher publishes outbox messages to nsqd.
type NSQPublisher struct {
	producer *nsq.Producer
}

// NewNSQPublisher connects to the nsqd at address and pings it.
func NewNSQPublisher(address string) (*NSQPublisher, error) {
	producer, err := nsq.NewProducer(address, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ producer: %w", err)
	}

	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("failed to ping NSQ daemon: %w", err)
	}

	return &NSQPublisher{producer: producer}, nil
}

func (p *NSQPublisher) Publish(topic string, body []byte) error {
	if err := p.producer.Publish(topic, body); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Stop gracefully stops the producer
func (p *NSQPublisher) Stop() {
	p.producer.Stop()
}

// LogPublisher writes messages to the log instead of a broker. It is used
// when no nsqd is configured.
type LogPublisher struct {
	Log logrus.FieldLogger
}

func (p LogPublisher) Publish(topic string, body []byte) error {
	p.Log.WithField("topic", topic).Info(string(body))
	return nil
}
