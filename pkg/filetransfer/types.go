package filetransfer

import (
	"time"

	"github.com/sessamekesh/spanreed-relay/pkg/store"
)

type Direction string

const (
	Direction_Send    Direction = "SEND"
	Direction_Receive Direction = "RECEIVE"
)

type TransferStatus string

const (
	TransferStatus_Pending    TransferStatus = "PENDING"
	TransferStatus_InProgress TransferStatus = "IN_PROGRESS"
	TransferStatus_Completed  TransferStatus = "COMPLETED"
	TransferStatus_Error      TransferStatus = "ERROR"
)

// TransferRecord is what the engine persists about each transfer, in either direction.
type TransferRecord struct {
	TransferId string
	FileName   string
	LocalPath  string
	FileSize   int64
	Checksum   string
	Peer       string
	Owner      string
	Direction  Direction
	Status     TransferStatus
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type TransferRepository = store.Repository[TransferRecord]

// Progress is the Data of FILE_PROGRESS events, published after every chunk.
type Progress struct {
	TransferId string    `json:"transferId"`
	FileName   string    `json:"fileName"`
	Percent    float64   `json:"percent"`
	BytesSoFar int64     `json:"bytesSoFar"`
	Total      int64     `json:"total"`
	Direction  Direction `json:"direction"`
	LocalPath  string    `json:"localPath,omitempty"`
}

// Completed is the Data of FILE_COMPLETED. Verified is false when the received file does not hash to the
// declared digest; the file is still left in place.
type Completed struct {
	TransferId string    `json:"transferId"`
	FileName   string    `json:"fileName"`
	LocalPath  string    `json:"localPath,omitempty"`
	Peer       string    `json:"peer"`
	Size       int64     `json:"size"`
	Direction  Direction `json:"direction"`
	Verified   bool      `json:"verified"`
	Checksum   string    `json:"checksum"`
}

type Failed struct {
	TransferId string    `json:"transferId"`
	FileName   string    `json:"fileName"`
	Peer       string    `json:"peer"`
	Direction  Direction `json:"direction"`
	Error      string    `json:"error"`
}

// RetryPolicy applies per chunk (and to the metadata frame).
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts:       5,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
}

func percent(soFar, total int64) float64 {
	if total <= 0 {
		return 100
	}
	return float64(soFar) * 100 / float64(total)
}
