// Package event defines Chronicle's closed-set record model: the
// event_kind enumeration, the Event envelope, and a length-prefixed,
// self-describing codec that lets readers skip fields they don't
// recognize within a known schema version.
package event

import "fmt"

// Kind is a closed set of producer record categories. It never grows at
// runtime; adding a new kind is a code change, not data.
type Kind uint8

const (
	KindKeystroke Kind = iota + 1
	KindPointer
	KindWindowFocus
	KindClipboard
	KindFilesystem
	KindNetwork
	KindAudio
	KindScreenFrame
	KindDriveMount
)

func (k Kind) String() string {
	switch k {
	case KindKeystroke:
		return "keystroke"
	case KindPointer:
		return "pointer"
	case KindWindowFocus:
		return "window-focus"
	case KindClipboard:
		return "clipboard"
	case KindFilesystem:
		return "filesystem"
	case KindNetwork:
		return "network"
	case KindAudio:
		return "audio"
	case KindScreenFrame:
		return "screen-frame"
	case KindDriveMount:
		return "drive-mount"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a member of the closed set.
func (k Kind) Valid() bool {
	return k >= KindKeystroke && k <= KindDriveMount
}

// PriorityValue is the ring admission priority for k under backpressure,
// expressed as the same 0/1 encoding ringbuf.Priority uses (0 = low,
// 1 = high). It returns a plain uint8 rather than a ringbuf.Priority so
// this package stays free of a dependency on the transport that carries
// it; producer glue code converts with ringbuf.Priority(k.PriorityValue()).
// High-frequency, low-value-per-sample kinds degrade first.
func (k Kind) PriorityValue() uint8 {
	switch k {
	case KindClipboard, KindWindowFocus, KindFilesystem, KindDriveMount:
		return 1
	default:
		return 0
	}
}
