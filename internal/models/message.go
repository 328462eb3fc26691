package models

import "time"

// ModuleMessage is a message routed to one of the module's inputs
type ModuleMessage struct {
	ReceivedAt time.Time
	Input      string
	Payload    []byte
}
