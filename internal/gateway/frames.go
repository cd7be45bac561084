package gateway

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the gateway wire protocol this client speaks.
const ProtocolVersion = 3

// Frame types
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is sent by the client for every RPC call.
type RequestFrame struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// ResponseFrame is sent by the gateway. Frames with Final set to false are
// progress updates and never resolve a call.
type ResponseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
	Final   *bool           `json:"final,omitempty"`
}

// IsFinal reports whether the frame settles its request.
func (f *ResponseFrame) IsFinal() bool {
	return f.Final == nil || *f.Final
}

// ErrorShape is the error body of a failed response.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RPCError is returned when the gateway answers a request with ok=false.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway %s: %s", e.Method, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s: %s", e.Method, e.Code, e.Message)
}

// ConnectParams is the handshake request body.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Caps        []string   `json:"caps"`
	Auth        *AuthInfo  `json:"auth,omitempty"`
}

// ClientInfo identifies this process to the gateway.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Mode    string `json:"mode"`
}

// AuthInfo carries the gateway token.
type AuthInfo struct {
	Token string `json:"token,omitempty"`
}

// HelloPayload is the handshake response body.
type HelloPayload struct {
	Protocol int `json:"protocol"`
	Server   struct {
		Version string `json:"version"`
	} `json:"server"`
}
