package session

import "fmt"

// ConnState is the connection state of a broker session.
type ConnState int32

const (
	StateInitialized ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateConnectFailed
)

func (s ConnState) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnectFailed:
		return "CONNECT_FAILED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// MarshalText lets states appear by name in JSON notifications.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
