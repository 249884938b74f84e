package topic

import (
	"fmt"
	"strings"
)

// Topic segments shared by the device and whoever watches it.
// Changing them breaks existing subscribers.
const (
	// SegmentUpdates carries the retained state of one update.
	// Structure: {root}/{device}/updates/{updateID}
	SegmentUpdates = "updates"

	// SegmentProgress carries install progress of one update.
	// Structure: {root}/{device}/updates/{updateID}/progress
	SegmentProgress = "progress"

	// SegmentCommands receives install requests for the device.
	// Structure: {root}/{device}/commands
	SegmentCommands = "commands"

	// SegmentAck reports the result of a command.
	// Structure: {root}/{device}/commands/ack
	SegmentAck = "ack"

	// SegmentOnline is the retained online flag, cleared by the will message.
	// Structure: {root}/{device}/online
	SegmentOnline = "online"
)

// Standard MQTT wildcard definitions.
const (
	// Wildcard matches exactly one topic level.
	Wildcard = "+"

	// MultiWildcard matches the current level and all below it. It must be last.
	MultiWildcard = "#"
)

// Builder constructs the topics of one device.
type Builder struct {
	root   string
	device string
}

// NewBuilder returns a Builder for topics under {root}/{device}.
func NewBuilder(root, device string) *Builder {
	return &Builder{root: strings.TrimSuffix(root, "/"), device: device}
}

// Update returns the retained state topic of an update.
func (b *Builder) Update(updateID string) string {
	return b.build(SegmentUpdates, updateID)
}

// Progress returns the progress topic of an update.
func (b *Builder) Progress(updateID string) string {
	return b.build(SegmentUpdates, updateID, SegmentProgress)
}

// UpdatesWildcard matches the state topic of every update of the device.
func (b *Builder) UpdatesWildcard() string {
	return b.build(SegmentUpdates, Wildcard)
}

// Commands returns the topic the device takes commands from.
func (b *Builder) Commands() string {
	return b.build(SegmentCommands)
}

// CommandAck returns the topic command results are published to.
func (b *Builder) CommandAck() string {
	return b.build(SegmentCommands, SegmentAck)
}

// Online returns the device presence topic.
func (b *Builder) Online() string {
	return b.build(SegmentOnline)
}

// build joins {root}/{device} with the given segments.
func (b *Builder) build(segments ...string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, b.device, strings.Join(segments, "/"))
}
