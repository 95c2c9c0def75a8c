package http

import "time"

// Generic HTTP / JSON strings
const (
	HTTPErrorMethodNotAllowedText = "method not allowed"
	HTTPErrorInvalidJSONText      = "invalid JSON"
	HTTPErrorForbiddenText        = "forbidden"
	HTTPErrorForbiddenHostText    = "forbidden host"
	HTTPErrorForbiddenOriginText  = "forbidden origin"
)

// Common JSON keys
const (
	JSONKeyOK     = "ok"
	JSONKeyStatus = "status"
)

// Websocket tuning
const (
	wsReadBuffer   = 1024
	wsWriteBuffer  = 1024
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second

	pageReadLimit = 4 << 20
	uiReadLimit   = 64 << 10
	connBacklog   = 64
)

const (
	// DefaultReadyTimeout bounds the wait for a UI to show a confirmation window.
	DefaultReadyTimeout = 5 * time.Second
	corsMaxAge          = 600
)

// Messages on the /ui socket. The UI sends ready and closed; everything else is pushed by
// the interceptor.
const (
	UIOpenConfirmTransaction   = "open_confirm_transaction"
	UIConfirmTransactionReady  = "confirm_transaction_ready"
	UIConfirmTransactionUpdate = "confirm_transaction_update"
	UIConfirmTransactionClosed = "confirm_transaction_closed"
	UICloseConfirmTransaction  = "close_confirm_transaction"
	UIAccessPrompts            = "access_prompts"
	UIChainSwitchPrompt        = "chain_switch_prompt"
	UISettingsChanged          = "settings_changed"
	UISimulationUpdated        = "simulation_updated"
)

// Decisions accepted by /ui/confirm.
const (
	ConfirmActionAccept  = "accept"
	ConfirmActionReject  = "reject"
	ConfirmActionForward = "forward"
)
