package broker

import (
	"fmt"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// LifecycleExchange receives every subscription status change, routed by the new status
const LifecycleExchange string = "subscription_lifecycle"

// AMQPBroker describes a message broker via RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	logger     *zap.Logger
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(logger *zap.Logger, amqpURI string) (*AMQPBroker, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		amqpConn.Close()
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	return &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
		logger:     logger,
	}, nil
}

// Notifier returns the lifecycle notifier publishing on this broker's channel
func (a *AMQPBroker) Notifier() (*Notifier, error) {
	return NewNotifier(a.logger, a.channel)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

func setupLifecycleExchange(ch Channel) error {
	return ch.ExchangeDeclare(
		LifecycleExchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
}
