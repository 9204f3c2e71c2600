package protocol

// Event names on the index event stream.
const (
	EventIndexRecord = "index.record"
	EventTick        = "tick"
)
