package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/autopeer-io/sysflash/internal/registry"
	"github.com/autopeer-io/sysflash/pkg/log"
	pkgmqtt "github.com/autopeer-io/sysflash/pkg/mqtt"
	"github.com/autopeer-io/sysflash/pkg/mqtt/topic"
)

// publishTimeout bounds each publish so a slow broker cannot stall installs.
const publishTimeout = 3 * time.Second

// MQTTNotifier publishes update state to the broker. State messages are
// retained so late subscribers see the latest status; progress is not.
type MQTTNotifier struct {
	client pkgmqtt.Client
	topics *topic.Builder
	logger log.Logger
}

var _ registry.Notifier = (*MQTTNotifier)(nil)

// NewMQTTNotifier publishes notifications through client on the topics of builder.
func NewMQTTNotifier(client pkgmqtt.Client, builder *topic.Builder) *MQTTNotifier {
	return &MQTTNotifier{
		client: client,
		topics: builder,
		logger: log.WithName("mqtt-notifier"),
	}
}

// ProgressMessage is the payload of the progress topic.
type ProgressMessage struct {
	ID         string `json:"id"`
	Progress   int    `json:"progress"`
	Finalizing bool   `json:"finalizing"`
	Timestamp  int64  `json:"timestamp"`
}

func (n *MQTTNotifier) UpdateChanged(ctx context.Context, u registry.Update) {
	payload, err := json.Marshal(u)
	if err != nil {
		n.logger.Error(err, "Could not encode update", "update", u.ID)
		return
	}
	n.publish(ctx, n.topics.Update(u.ID), true, payload)
}

func (n *MQTTNotifier) InstallProgress(ctx context.Context, u registry.Update) {
	payload, err := json.Marshal(ProgressMessage{
		ID:         u.ID,
		Progress:   u.Progress,
		Finalizing: u.Finalizing,
		Timestamp:  time.Now().Unix(),
	})
	if err != nil {
		n.logger.Error(err, "Could not encode progress", "update", u.ID)
		return
	}
	n.publish(ctx, n.topics.Progress(u.ID), false, payload)
}

// UpdateDeleted clears the retained state with an empty payload.
func (n *MQTTNotifier) UpdateDeleted(ctx context.Context, id string) {
	n.publish(ctx, n.topics.Update(id), true, nil)
}

func (n *MQTTNotifier) publish(ctx context.Context, t string, retain bool, payload []byte) {
	if !n.client.IsConnected() {
		n.logger.Debug("Broker offline, dropping notification", "topic", t)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := n.client.Publish(ctx, t, 1, retain, payload); err != nil {
		n.logger.Error(err, "Publish failed", "topic", t)
	}
}
