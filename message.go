package flare

// Msg is a message from the frame producer to the render goroutine. The
// variant set is closed: every implementation lives in this package and
// Update switches over all of them exhaustively.
//
// Producers send Msg values on the channel returned by Renderer.Channel;
// the render goroutine drains it without blocking at the top of Update.
type Msg interface {
	isMsg()
}

// MsgPublishDocument replaces or appends a document and carries the
// resource updates its frame depends on.
type MsgPublishDocument struct {
	DocumentID      DocumentID
	Frame           *Frame
	ResourceUpdates []ResourceUpdate
	Profile         ProfileCounters
}

// MsgUpdateGPUCache delivers pending GPU-cache update lists.
type MsgUpdateGPUCache struct {
	Lists []GpuCacheUpdateList
}

// MsgUpdateResources applies texture-cache updates immediately, outside any
// document publish. MemoryPressure additionally abandons pending screen
// output to guarantee cache correctness.
type MsgUpdateResources struct {
	Updates        []ResourceUpdate
	MemoryPressure bool
}

// MsgPublishPipelineInfo accumulates pipeline epochs and removals for the
// next FlushPipelineInfo call.
type MsgPublishPipelineInfo struct {
	Info PipelineInfo
}

// MsgAppendNotificationRequests stages frame notifications.
type MsgAppendNotificationRequests struct {
	Requests []NotificationRequest
}

// MsgForceRedraw invalidates all picture-cache content for the next
// composite.
type MsgForceRedraw struct{}

// MsgRefreshShader recompiles one named device program from source.
type MsgRefreshShader struct {
	Name string
}

// MsgDebugCommand dispatches a debug-only command.
type MsgDebugCommand struct {
	Command DebugCommand
}

// MsgDebugOutput carries opaque debug text from the producer.
type MsgDebugOutput struct {
	Text string
}

func (MsgPublishDocument) isMsg()            {}
func (MsgUpdateGPUCache) isMsg()             {}
func (MsgUpdateResources) isMsg()            {}
func (MsgPublishPipelineInfo) isMsg()        {}
func (MsgAppendNotificationRequests) isMsg() {}
func (MsgForceRedraw) isMsg()                {}
func (MsgRefreshShader) isMsg()              {}
func (MsgDebugCommand) isMsg()               {}
func (MsgDebugOutput) isMsg()                {}

// DebugCommand is the closed set of debug-only commands the engine handles.
type DebugCommand uint8

const (
	// DebugInvalidateGPUCache fully invalidates the CPU-mirrored cache bus.
	// On the scatter bus invalidation is impossible and warns instead.
	DebugInvalidateGPUCache DebugCommand = iota

	// DebugEnableStress toggles the cache growth stress mode on.
	DebugEnableStress

	// DebugDisableStress toggles the cache growth stress mode off.
	DebugDisableStress
)

// ProfileCounters are the producer-side counters attached to a published
// document, recorded into the frame profile ring.
type ProfileCounters struct {
	PrimitiveCount int
	SceneBuildNs   uint64
	FrameBuildNs   uint64
}
