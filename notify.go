package flare

// Checkpoint is a point in a transaction's life that a notification can
// observe.
type Checkpoint uint8

const (
	// CheckpointSceneBuilt fires when the scene builder finishes.
	CheckpointSceneBuilt Checkpoint = iota

	// CheckpointFrameBuilt fires when the frame builder finishes.
	CheckpointFrameBuilt

	// CheckpointFrameTexturesUpdated fires once the frame's resource
	// updates have been applied to the GPU.
	CheckpointFrameTexturesUpdated

	// CheckpointFrameRendered fires after the frame draws.
	CheckpointFrameRendered

	// CheckpointTransactionDropped fires when a notification is discarded
	// before its requested checkpoint was reached.
	CheckpointTransactionDropped
)

// String returns the checkpoint name.
func (c Checkpoint) String() string {
	switch c {
	case CheckpointSceneBuilt:
		return "SceneBuilt"
	case CheckpointFrameBuilt:
		return "FrameBuilt"
	case CheckpointFrameTexturesUpdated:
		return "FrameTexturesUpdated"
	case CheckpointFrameRendered:
		return "FrameRendered"
	default:
		return "TransactionDropped"
	}
}

// NotificationHandler receives exactly one checkpoint per request: either
// the requested one, or CheckpointTransactionDropped if the renderer
// discarded the request first.
type NotificationHandler func(Checkpoint)

// NotificationRequest asks to be notified when the render thread reaches a
// checkpoint. Requests are one-shot and are never retried: after a render,
// undelivered requests observe CheckpointTransactionDropped.
type NotificationRequest struct {
	When    Checkpoint
	Handler NotificationHandler

	fired bool
}

// notify fires the handler once with the given checkpoint.
func (n *NotificationRequest) notify(c Checkpoint) {
	if n.fired || n.Handler == nil {
		n.fired = true
		return
	}
	n.fired = true
	n.Handler(c)
}
