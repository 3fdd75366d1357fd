package broker

import (
	"github.com/streadway/amqp"
)

// Channel is the subset of *amqp.Channel used to publish lifecycle notifications
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}
