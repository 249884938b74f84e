package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autopeer-io/sysflash/pkg/log"
	"github.com/autopeer-io/sysflash/pkg/mqtt"
	"github.com/autopeer-io/sysflash/pkg/mqtt/topic"
)

const (
	ActionInstall   = "install"
	ActionReconnect = "reconnect"
	ActionCancel    = "cancel"
)

// Command is a remote request received on the commands topic.
type Command struct {
	RequestID string `json:"requestID,omitempty"`
	Action    string `json:"action"`
	Update    string `json:"update,omitempty"`
}

// CommandAck reports the result of a Command.
type CommandAck struct {
	RequestID string `json:"requestID,omitempty"`
	Action    string `json:"action"`
	Update    string `json:"update,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// commandTarget is the part of the installer remote commands reach.
type commandTarget interface {
	Install(ctx context.Context, id string) error
	Reconnect(ctx context.Context) error
	Cancel() error
}

type commandHandler struct {
	target commandTarget
	client mqtt.Client
	topics *topic.Builder
	logger log.Logger
}

func newCommandHandler(target commandTarget, client mqtt.Client, topics *topic.Builder) *commandHandler {
	return &commandHandler{
		target: target,
		client: client,
		topics: topics,
		logger: log.WithName("commands"),
	}
}

// handle runs one command and publishes its acknowledgement.
func (h *commandHandler) handle(ctx context.Context, _ string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.logger.Error(err, "Discarding malformed command")
		return
	}

	logger := h.logger.WithValues("action", cmd.Action, "update", cmd.Update, "requestID", cmd.RequestID)
	logger.Info("Received remote command")

	err := h.execute(ctx, cmd)

	ack := CommandAck{
		RequestID: cmd.RequestID,
		Action:    cmd.Action,
		Update:    cmd.Update,
		OK:        err == nil,
		Timestamp: time.Now().Unix(),
	}
	if err != nil {
		ack.Error = err.Error()
		logger.Info("Remote command failed", "error", err)
	}

	data, err := json.Marshal(ack)
	if err != nil {
		logger.Error(err, "Could not encode command ack")
		return
	}
	if err := h.client.Publish(ctx, h.topics.CommandAck(), 1, false, data); err != nil {
		logger.Error(err, "Could not publish command ack")
	}
}

func (h *commandHandler) execute(ctx context.Context, cmd Command) error {
	switch cmd.Action {
	case ActionInstall:
		if cmd.Update == "" {
			return fmt.Errorf("install needs an update id")
		}
		return h.target.Install(ctx, cmd.Update)
	case ActionReconnect:
		return h.target.Reconnect(ctx)
	case ActionCancel:
		return h.target.Cancel()
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}
