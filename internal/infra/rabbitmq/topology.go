// internal/infra/rabbitmq/topology.go
package rabbitmq

import (
	"context"
	"fmt"

	"priority-dispatch/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name      string
	Type      string
	Durable   bool
	Arguments amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name      string
	Durable   bool
	Arguments amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Declarations is the complete set of exchanges, queues and bindings.
type Declarations struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// DispatchTopology describes the broker layout for a dispatch topology: one durable
// topic exchange, one durable queue per queue key bound by its routing key, and a
// fanout dead-letter exchange feeding a single dead-letter queue.
func DispatchTopology(exchange string, topology domain.Topology) Declarations {
	dlx := DeadLetterExchange(exchange)
	d := Declarations{
		Exchanges: []ExchangeDeclaration{
			{Name: exchange, Type: amqp.ExchangeTopic, Durable: true},
			{Name: dlx, Type: amqp.ExchangeFanout, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: DeadLetterQueue(exchange), Durable: true},
		},
		Bindings: []Binding{
			{Queue: DeadLetterQueue(exchange), Exchange: dlx, RoutingKey: ""},
		},
	}
	for _, key := range topology.Keys() {
		name := key.RoutingKey()
		d.Queues = append(d.Queues, QueueDeclaration{
			Name:      name,
			Durable:   true,
			Arguments: amqp.Table{"x-dead-letter-exchange": dlx},
		})
		d.Bindings = append(d.Bindings, Binding{Queue: name, Exchange: exchange, RoutingKey: name})
	}
	return d
}

// DeadLetterExchange names the dead-letter exchange of exchange.
func DeadLetterExchange(exchange string) string { return exchange + ".dlx" }

// DeadLetterQueue names the dead-letter queue of exchange.
func DeadLetterQueue(exchange string) string { return exchange + ".dead" }

// TopologyManager declares and inspects broker topology.
type TopologyManager struct {
	cm *ConnectionManager
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(cm *ConnectionManager) *TopologyManager {
	return &TopologyManager{cm: cm}
}

// Declare declares every exchange, queue and binding. Declarations are idempotent.
func (tm *TopologyManager) Declare(ctx context.Context, d Declarations) error {
	return tm.withChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range d.Exchanges {
			if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, false, false, false, ex.Arguments); err != nil {
				return &TopologyError{Component: "exchange", Name: ex.Name, Op: "declare", Err: err}
			}
		}
		for _, q := range d.Queues {
			if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, q.Arguments); err != nil {
				return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err}
			}
		}
		for _, b := range d.Bindings {
			if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
				return &TopologyError{Component: "binding", Name: b.Queue + "->" + b.Exchange, Op: "declare", Err: err}
			}
		}
		return nil
	})
}

// QueueDepth returns the number of ready messages in the queue of key.
func (tm *TopologyManager) QueueDepth(ctx context.Context, key domain.QueueKey) (int, error) {
	var depth int
	err := tm.withChannel(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclarePassive(key.RoutingKey(), true, false, false, false, nil)
		if err != nil {
			return &TopologyError{Component: "queue", Name: key.RoutingKey(), Op: "inspect", Err: err}
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}

// withChannel runs fn on a short-lived channel. A failed declaration closes the
// channel on the broker side, so channels are never reused here.
func (tm *TopologyManager) withChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := tm.cm.Channel()
	if err != nil {
		return fmt.Errorf("open topology channel: %w", err)
	}
	defer ch.Close()
	return fn(ch)
}
