package common

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuthMethodName is the reserved network method name of the authentication
// request. Application code can not register a method under this name.
const AuthMethodName = "Authenticate"

// --------------------------------------------------------------------------
// Frames
// --------------------------------------------------------------------------

// Frame holds the fields shared by all documents exchanged between peers.
// The JSON field names are part of the wire format.
type Frame struct {
	Guid      uuid.UUID `json:"Guid"`
	Timestamp Timestamp `json:"Timestamp"`
}

// newFrame creates a frame with a fresh random correlation identifier
func newFrame() Frame {
	return Frame{
		Guid:      uuid.New(),
		Timestamp: Timestamp(time.Now()),
	}
}

// RequestFrame asks the remote peer to invoke the method registered
// under MethodName. Parameter is the encoded argument and may be empty.
type RequestFrame struct {
	Frame
	MethodName string          `json:"MethodName"`
	Parameter  json.RawMessage `json:"Parameter"`
}

// NewRequestFrame creates a request for methodName with an already encoded parameter
func NewRequestFrame(methodName string, parameter json.RawMessage) *RequestFrame {
	return &RequestFrame{
		Frame:      newFrame(),
		MethodName: methodName,
		Parameter:  parameter,
	}
}

// NewAuthRequestFrame creates the authentication request carrying the given credentials
func NewAuthRequestFrame(credentials Credentials) (*RequestFrame, error) {
	param, err := json.Marshal(credentials)
	if err != nil {
		return nil, err
	}
	return NewRequestFrame(AuthMethodName, param), nil
}

// IsAuthRequest reports whether the request is an authentication request
func (r *RequestFrame) IsAuthRequest() bool {
	return r.MethodName == AuthMethodName
}

// HasParameter reports whether the request carries a (non null) parameter
func (r *RequestFrame) HasParameter() bool {
	return isPresent(r.Parameter)
}

func (r *RequestFrame) String() string {
	return fmt.Sprintf("%s:%s", r.MethodName, string(r.Parameter))
}

// ResponseFrame answers the request identified by RequestGuid.
// Result is only set if StatusCode is StatusOk.
type ResponseFrame struct {
	Frame
	RequestGuid uuid.UUID       `json:"RequestGuid"`
	Result      json.RawMessage `json:"Result"`
	StatusCode  StatusCode      `json:"StatusCode"`
}

// NewResponseFrame creates a response to the request with the given id
func NewResponseFrame(requestGuid uuid.UUID, result json.RawMessage, status StatusCode) *ResponseFrame {
	return &ResponseFrame{
		Frame:       newFrame(),
		RequestGuid: requestGuid,
		Result:      result,
		StatusCode:  status,
	}
}

// HasResult reports whether the response carries a (non null) result
func (r *ResponseFrame) HasResult() bool {
	return isPresent(r.Result)
}

func isPresent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

// --------------------------------------------------------------------------
// Timestamp
// --------------------------------------------------------------------------

// Timestamp is the informational creation time of a frame. It accepts
// timestamps without zone offset on decoding, as sent by some peers.
type Timestamp time.Time

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
}

// MarshalJSON implements the json.Marshaler interface for Timestamp
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).Format(time.RFC3339Nano))
}

// UnmarshalJSON implements the json.Unmarshaler interface for Timestamp.
// Unparsable values are ignored since the field is informational only.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = Timestamp(parsed)
			return nil
		}
	}
	return nil
}

// Time returns the timestamp as time.Time
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// --------------------------------------------------------------------------
// Status Codes
// --------------------------------------------------------------------------

// StatusCode is the outcome of a request. It is encoded as its numeric value.
type StatusCode int

const (
	StatusOk            StatusCode = 200
	StatusUnauthorized  StatusCode = 401
	StatusInexistMethod StatusCode = 404
)

func (s StatusCode) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusInexistMethod:
		return "inexist method"
	default:
		return fmt.Sprintf("unknown (%d)", int(s))
	}
}

// --------------------------------------------------------------------------
// Credentials
// --------------------------------------------------------------------------

// Credentials identify a client. Logins are compared case-insensitively,
// keys case-sensitively.
type Credentials struct {
	Login string `json:"Login"`
	Key   string `json:"Key"`
}

// NewCredentials creates a new credentials value
func NewCredentials(login, key string) Credentials {
	return Credentials{Login: login, Key: key}
}

// Equal reports whether both login (ignoring case) and key match
func (c Credentials) Equal(other Credentials) bool {
	return strings.EqualFold(c.Login, other.Login) && c.Key == other.Key
}

// NormalizedLogin returns the login in the form used as registry key
func (c Credentials) NormalizedLogin() string {
	return NormalizeLogin(c.Login)
}

// NormalizeLogin lower-cases a login
func NormalizeLogin(login string) string {
	return strings.ToLower(login)
}

// String hides the key
func (c Credentials) String() string {
	return fmt.Sprintf("%s:***", c.Login)
}

// --------------------------------------------------------------------------
// Connection States
// --------------------------------------------------------------------------

// ConnectionState is the life cycle state of a connection
type ConnectionState uint8

const (
	StateNotConnected ConnectionState = iota // initial state
	StateConnecting                          // connect attempt in progress
	StateConnected                           // transport open and authenticated
	StateReconnecting                        // client is restoring a lost connection
	StateUnauthorized                        // accepted by the server, not yet authenticated
	StateDropped                             // socket closed, terminal for this socket
)

func (s ConnectionState) String() string {
	switch s {
	case StateNotConnected:
		return "not connected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateUnauthorized:
		return "unauthorized"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for ConnectionState.
// This allows ConnectionState to be serialized as a string in JSON.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for ConnectionState.
func (s *ConnectionState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	for state := StateNotConnected; state <= StateDropped; state++ {
		if state.String() == str {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown connection state: %s", str)
}
