package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	sent         []published
	err          error
	disconnected bool
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.sent = append(p.sent, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return newFakeToken(p.err)
}

func (p *fakePublisher) Disconnect(uint) { p.disconnected = true }

func TestNotifyAnomaly_Publishes(t *testing.T) {
	pub := &fakePublisher{}
	n := newMQTTNotifier(pub, "surveillance", 1, zap.NewNop())

	alert := models.Alert{
		SessionID:   "s-1",
		UserID:      "u-1",
		LogID:       "l-1",
		Severity:    models.SeverityMedium,
		Description: "person near door",
		DetectedAt:  time.Now().UTC(),
	}
	require.NoError(t, n.NotifyAnomaly(context.Background(), alert))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "surveillance/u-1/s-1/anomaly", pub.sent[0].topic)
	assert.Equal(t, byte(1), pub.sent[0].qos)

	var got models.Alert
	require.NoError(t, json.Unmarshal(pub.sent[0].payload, &got))
	assert.Equal(t, "person near door", got.Description)

	n.Close()
	assert.True(t, pub.disconnected)
}

func TestNotifyAnomaly_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	n := newMQTTNotifier(pub, "surveillance", 0, zap.NewNop())

	err := n.NotifyAnomaly(context.Background(), models.Alert{SessionID: "s-1", UserID: "u-1"})
	assert.ErrorContains(t, err, "not connected")
}
