package errors

import "fmt"

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type InvalidEnumValue struct {
	EnumName string
	IntValue uint8
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%d (enum: %s)", e.IntValue, e.EnumName)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

type MissingConnection struct {
	ConnectionId string
}

func (e *MissingConnection) Error() string {
	return fmt.Sprintf("No open connection with id=%s", e.ConnectionId)
}

type FrameTooLarge struct {
	DeclaredLength int64
	Limit          int64
}

func (e *FrameTooLarge) Error() string {
	return fmt.Sprintf("Frame length %d outside allowed range (0, %d)", e.DeclaredLength, e.Limit)
}

type ChecksumMismatch struct {
	CorrelationId uint32
	Declared      int32
	Computed      int32
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("Checksum mismatch on frame correlationId=%d: declared %d, computed %d", e.CorrelationId, e.Declared, e.Computed)
}

type MalformedAddress struct {
	Scheme  string
	Payload string
}

func (e *MalformedAddress) Error() string {
	payload := e.Payload
	if len(payload) > 32 {
		payload = payload[0:32]
	}
	return fmt.Sprintf("Malformed %s address in payload '%s'", e.Scheme, payload)
}

type InvalidRoomState struct {
	RoomId    int64
	State     string
	Operation string
}

func (e *InvalidRoomState) Error() string {
	return fmt.Sprintf("Cannot %s room %d in state %s", e.Operation, e.RoomId, e.State)
}

type RetryExhausted struct {
	Operation string
	Attempts  int
	LastError error
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.LastError)
}

func (e *RetryExhausted) Unwrap() error {
	return e.LastError
}

type MissingRecord struct {
	Kind string
	Id   int64
}

func (e *MissingRecord) Error() string {
	return fmt.Sprintf("No %s record with id=%d", e.Kind, e.Id)
}

type DigestMismatch struct {
	TransferId string
	Declared   string
	Computed   string
}

func (e *DigestMismatch) Error() string {
	return fmt.Sprintf("Transfer %s digest mismatch: declared %s, computed %s", e.TransferId, e.Declared, e.Computed)
}
