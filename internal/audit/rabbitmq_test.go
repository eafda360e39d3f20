package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/acquisitions/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	declared   []string
	durable    bool
	published  []amqp.Publishing
	keys       []string
	declareErr error
	publishErr error
	closed     bool
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if f.declareErr != nil {
		return amqp.Queue{}, f.declareErr
	}
	f.declared = append(f.declared, name)
	f.durable = durable
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestRabbitMQPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newRabbitMQPublisher(ch, "auth.audit")
	require.NoError(t, err)
	assert.Equal(t, []string{"auth.audit"}, ch.declared)
	assert.True(t, ch.durable)

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err = p.Publish(context.Background(), Event{
		Type:       EventUserRegistered,
		UserID:     "u-1",
		Email:      "a@b.com",
		Role:       domain.RoleUser,
		OccurredAt: occurred,
	})
	require.NoError(t, err)

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "auth.audit", ch.keys[0])
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "user.registered", msg.Type)
	_, err = uuid.Parse(msg.MessageId)
	assert.NoError(t, err, "message id is a uuid")

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "u-1", decoded.UserID)
	assert.Equal(t, occurred, decoded.OccurredAt)
}

func TestRabbitMQPublisher_PublishError(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	p, err := newRabbitMQPublisher(ch, "auth.audit")
	require.NoError(t, err)

	err = p.Publish(context.Background(), Event{Type: EventUserSignedOut, UserID: "u-1"})
	assert.ErrorContains(t, err, "channel closed")
}

func TestRabbitMQPublisher_DeclareError(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("access refused")}

	_, err := newRabbitMQPublisher(ch, "auth.audit")
	assert.ErrorContains(t, err, "access refused")
	assert.True(t, ch.closed)
}

func TestNewRabbitMQPublisher_RequiresConfig(t *testing.T) {
	_, err := NewRabbitMQPublisher(RabbitMQConfig{Queue: "q"})
	assert.Error(t, err)

	_, err = NewRabbitMQPublisher(RabbitMQConfig{URL: "amqp://localhost"})
	assert.Error(t, err)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}
