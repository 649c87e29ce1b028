package sync

import "time"

// State is the Sync Engine's session state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateInitSent     State = "init_sent"
	StateReady        State = "ready"
	StateAuthFailed   State = "auth_failed"
)

// Config configures one Engine instance.
type Config struct {
	AppID         string
	BaseURL       string
	RefreshToken  string
	ClientVersion string

	ReconnectDelay time.Duration
}

// ConnectionStatus is the boolean the UI binding layer consumes: true
// once Ready.
type ConnectionStatus struct {
	Connected bool
	State     State
}
