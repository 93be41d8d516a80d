package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
	"meeting-ingest/config"
)

// topology names the exchange, queue and dead letter pair of one job stream.
type topology struct {
	exchange      string
	kind          string
	queue         string
	routingKey    string
	dlx           string
	dlq           string
	dlqRoutingKey string
}

func newTopology(cfg *config.RabbitMQ) topology {
	return topology{
		exchange:      cfg.ExchangeName,
		kind:          cfg.Kind,
		queue:         cfg.QueueName,
		routingKey:    cfg.RoutingKey,
		dlx:           cfg.ExchangeName + "_dlx",
		dlq:           cfg.QueueName + "_dlq",
		dlqRoutingKey: "dlq." + cfg.RoutingKey,
	}
}

// declare creates the exchanges and queues if missing. Messages rejected
// without requeue land in the dead letter queue.
func (t topology) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.exchange, t.kind, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(t.dlx, t.kind, true, false, false, false, nil); err != nil {
		return err
	}

	dlq, err := ch.QueueDeclare(t.dlq, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(dlq.Name, t.dlqRoutingKey, t.dlx, false, nil); err != nil {
		return err
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    t.dlx,
		"x-dead-letter-routing-key": t.dlqRoutingKey,
	}
	q, err := ch.QueueDeclare(t.queue, true, false, false, false, args)
	if err != nil {
		return err
	}
	return ch.QueueBind(q.Name, t.routingKey, t.exchange, false, nil)
}
