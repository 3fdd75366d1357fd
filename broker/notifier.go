package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/schoolplan/subscription"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var _ subscription.Notifier = &Notifier{}

// Notifier publishes committed subscription status changes. Consumers bind on the
// past_due, grace_period and expired routing keys to start dunning.
type Notifier struct {
	channel Channel
	logger  *zap.Logger
}

// NewNotifier declares the lifecycle exchange on ch and returns a Notifier publishing to it
func NewNotifier(logger *zap.Logger, ch Channel) (*Notifier, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if ch == nil {
		return nil, fmt.Errorf("nil Channel is invalid")
	}
	if err := setupLifecycleExchange(ch); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for lifecycle notifications")
	}
	return &Notifier{
		channel: ch,
		logger:  logger,
	}, nil
}

// Notify implements subscription.Notifier
func (n *Notifier) Notify(ctx context.Context, change subscription.Change) error {
	body, err := EncodeChange(change)
	if err != nil {
		return err
	}
	msgID := uuid.New().String()
	err = n.channel.Publish(
		LifecycleExchange,
		string(change.To),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/x-protobuf",
			DeliveryMode: amqp.Persistent,
			MessageId:    msgID,
			Timestamp:    change.At,
			Type:         "subscription.status_changed",
			Body:         body,
		},
	)
	if err != nil {
		return extErrors.Wrap(err, "Cannot publish lifecycle notification")
	}
	n.logger.Debug("Lifecycle notification published",
		zap.String("SchoolID", change.SchoolID),
		zap.String("To", string(change.To)),
		zap.String("MessageID", msgID),
	)
	return nil
}

// EncodeChange serializes a status change into its wire format
func EncodeChange(change subscription.Change) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"schoolId": change.SchoolID,
		"from":     string(change.From),
		"to":       string(change.To),
		"trigger":  string(change.Trigger),
		"eventId":  change.EventID,
		"planId":   change.PlanID,
		"at":       change.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot build lifecycle notification")
	}
	protoBytes, err := proto.Marshal(s)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	return protoBytes, nil
}

// DecodeChange parses a notification body produced by EncodeChange
func DecodeChange(body []byte) (subscription.Change, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(body, &s); err != nil {
		return subscription.Change{}, extErrors.Wrap(err, "Cannot decode lifecycle notification")
	}
	fields := s.GetFields()
	str := func(key string) string {
		return fields[key].GetStringValue()
	}
	at, err := time.Parse(time.RFC3339Nano, str("at"))
	if err != nil {
		return subscription.Change{}, extErrors.Wrap(err, "Cannot parse notification time")
	}
	return subscription.Change{
		SchoolID: str("schoolId"),
		From:     subscription.Status(str("from")),
		To:       subscription.Status(str("to")),
		Trigger:  subscription.Trigger(str("trigger")),
		EventID:  str("eventId"),
		PlanID:   str("planId"),
		At:       at,
	}, nil
}
