package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"gudangops/backend/internal/domain"
)

type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink connects to projectID and makes sure topicID exists. Empty
// credentialsJSON falls back to Application Default Credentials.
func NewPubSubSink(ctx context.Context, projectID string, topicID string, credentialsJSON string) (*PubSubSink, error) {
	if projectID == "" {
		return nil, errors.New("pubsub: project id is required")
	}
	if topicID == "" {
		return nil, errors.New("pubsub: topic is required")
	}

	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub: new client: %w", err)
	}

	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub: check topic %q: %w", topicID, err)
	}
	if !ok {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("pubsub: create topic %q: %w", topicID, err)
		}
	}

	return &PubSubSink{client: client, topic: topic}, nil
}

func (s *PubSubSink) Publish(ctx context.Context, event domain.TransitionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	result := s.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"subject_kind": event.Subject.Kind,
			"to_status":    event.ToStatus,
		},
	})
	_, err = result.Get(ctx)
	return err
}

func (s *PubSubSink) Close() error {
	s.topic.Stop()
	return s.client.Close()
}
