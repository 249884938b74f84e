package notifier

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/sysflash/internal/registry"
	pkgmqtt "github.com/autopeer-io/sysflash/pkg/mqtt"
	"github.com/autopeer-io/sysflash/pkg/mqtt/topic"
)

type published struct {
	topic   string
	retain  bool
	payload []byte
}

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	messages  []published
}

var _ pkgmqtt.Client = (*fakeClient)(nil)

func (c *fakeClient) Start(context.Context) error { return nil }
func (c *fakeClient) Disconnect(context.Context)  {}
func (c *fakeClient) Subscribe(context.Context, string, int, pkgmqtt.MessageHandler) error {
	return nil
}
func (c *fakeClient) Unsubscribe(context.Context, string) error { return nil }
func (c *fakeClient) AwaitConnection(context.Context) error     { return nil }
func (c *fakeClient) IsConnected() bool                         { return c.connected }

func (c *fakeClient) Publish(_ context.Context, t string, _ int, retain bool, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: t, retain: retain, payload: payload})
	return nil
}

func TestMQTTNotifier(t *testing.T) {
	client := &fakeClient{connected: true}
	n := NewMQTTNotifier(client, topic.NewBuilder("sysflash/v1", "dev-1"))
	ctx := context.Background()

	u := registry.Update{ID: "u1", Status: registry.StatusInstalling, Progress: 42, Finalizing: true}
	n.UpdateChanged(ctx, u)
	n.InstallProgress(ctx, u)
	n.UpdateDeleted(ctx, "u1")

	require.Len(t, client.messages, 3)

	state := client.messages[0]
	assert.Equal(t, "sysflash/v1/dev-1/updates/u1", state.topic)
	assert.True(t, state.retain)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(state.payload, &decoded))
	assert.Equal(t, "INSTALLING", decoded["status"])

	progress := client.messages[1]
	assert.Equal(t, "sysflash/v1/dev-1/updates/u1/progress", progress.topic)
	assert.False(t, progress.retain)
	var msg ProgressMessage
	require.NoError(t, json.Unmarshal(progress.payload, &msg))
	assert.Equal(t, 42, msg.Progress)
	assert.True(t, msg.Finalizing)

	deleted := client.messages[2]
	assert.Equal(t, "sysflash/v1/dev-1/updates/u1", deleted.topic)
	assert.True(t, deleted.retain)
	assert.Empty(t, deleted.payload)
}

func TestMQTTNotifierSkipsWhileOffline(t *testing.T) {
	client := &fakeClient{connected: false}
	n := NewMQTTNotifier(client, topic.NewBuilder("sysflash/v1", "dev-1"))

	n.UpdateChanged(context.Background(), registry.Update{ID: "u1"})
	assert.Empty(t, client.messages)
}
