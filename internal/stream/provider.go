package stream

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/titanworks/titan/internal/fault"
)

// Provider is one named transport under the substrate.
type Provider interface {
	Name() string
	Publish(topic string, msg *message.Message) error
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	Close() error
}

// GoChannelProvider is the in-memory provider. Non-durable: a publish with no
// live subscriber is dropped. The small output buffer is what lets the Block
// backpressure policy reach the publisher.
type GoChannelProvider struct {
	name   string
	pubsub *gochannel.GoChannel
}

func NewGoChannelProvider(name string, logger *slog.Logger) *GoChannelProvider {
	return &GoChannelProvider{
		name: name,
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 16,
		}, watermill.NewSlogLogger(logger)),
	}
}

func (p *GoChannelProvider) Name() string { return p.name }

func (p *GoChannelProvider) Publish(topic string, msg *message.Message) error {
	if err := p.pubsub.Publish(topic, msg); err != nil {
		return fault.Wrap(fault.KindTransient, err, "publish to %s", topic)
	}
	return nil
}

func (p *GoChannelProvider) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := p.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "subscribe to %s", topic)
	}
	return ch, nil
}

func (p *GoChannelProvider) Close() error { return p.pubsub.Close() }

// AMQPProvider is the durable provider: topic exchange with one queue per
// subscriber, surviving silo restarts.
type AMQPProvider struct {
	name       string
	publisher  *amqp.Publisher
	subscriber *amqp.Subscriber
}

func NewAMQPProvider(name, uri string, logger *slog.Logger) (*AMQPProvider, error) {
	wmLogger := watermill.NewSlogLogger(logger)
	cfg := amqp.NewDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicNameWithSuffix("titan"))

	pub, err := amqp.NewPublisher(cfg, wmLogger)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "amqp publisher")
	}
	sub, err := amqp.NewSubscriber(cfg, wmLogger)
	if err != nil {
		_ = pub.Close()
		return nil, fault.Wrap(fault.KindTransient, err, "amqp subscriber")
	}
	return &AMQPProvider{name: name, publisher: pub, subscriber: sub}, nil
}

func (p *AMQPProvider) Name() string { return p.name }

func (p *AMQPProvider) Publish(topic string, msg *message.Message) error {
	if err := p.publisher.Publish(topic, msg); err != nil {
		return fault.Wrap(fault.KindTransient, err, "publish to %s", topic)
	}
	return nil
}

func (p *AMQPProvider) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := p.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "subscribe to %s", topic)
	}
	return ch, nil
}

func (p *AMQPProvider) Close() error {
	errPub := p.publisher.Close()
	errSub := p.subscriber.Close()
	if errPub != nil {
		return errPub
	}
	return errSub
}
