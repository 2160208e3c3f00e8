package domain

// Notification types pushed from the server to clients
const (
	NotifyStateUpdate            = "state_update"
	NotifyWinConfirmationRequest = "win_confirmation_request"
	NotifyTableInvite            = "table_invite"
	NotifyError                  = "error"
	NotifyInfo                   = "info"
	NotifyAck                    = "ack"
	NotifyPong                   = "pong"
)

// Notification is a server-to-client message before transport encoding
type Notification struct {
	Type string
	Data interface{}
}

// TableInvite is the payload of a table_invite notification
type TableInvite struct {
	TableID int `json:"tableId"`
}

// Ack answers a request that expects a response
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
