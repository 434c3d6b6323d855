package schema

import "time"

// Frame is one named push-channel message as received from the transport.
type Frame struct {
	Name       EventName
	Data       string
	ID         string
	ReceivedAt time.Time
}
