// Package filetransfer moves files through the relay as a metadata frame followed by fixed-size chunks,
// each chunk carrying its own byte offset so the receiver can write them in any order.
package filetransfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/sessamekesh/spanreed-relay/pkg/message/envelope"
	"github.com/sessamekesh/spanreed-relay/pkg/message/filemsg"
	"github.com/sessamekesh/spanreed-relay/pkg/message/frame"
	"github.com/sessamekesh/spanreed-relay/pkg/store"
	"go.uber.org/zap"
)

type Sender interface {
	Send(connectionId string, data []byte) error
}

type EngineParams struct {
	Sender    Sender
	Publisher events.Publisher

	// Transfers defaults to an in-memory repository.
	Transfers TransferRepository

	// OutputDirectory receives incoming files. Defaults to the working directory.
	OutputDirectory string

	Correlation *frame.CorrelationSource
	Retry       RetryPolicy

	Logger *zap.Logger
}

type Engine struct {
	params EngineParams
	log    *zap.Logger

	mut_incoming sync.RWMutex
	incoming     map[string]*incomingTransfer
}

func CreateEngine(params EngineParams) (*Engine, error) {
	if params.Sender == nil {
		return nil, &errors.MissingFieldError{MessageName: "EngineParams", FieldName: "Sender"}
	}
	if params.Publisher == nil {
		return nil, &errors.MissingFieldError{MessageName: "EngineParams", FieldName: "Publisher"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if params.Transfers == nil {
		params.Transfers = store.CreateMemoryRepository[TransferRecord]("transfer")
	}
	if params.OutputDirectory == "" {
		params.OutputDirectory = "."
	}
	if params.Correlation == nil {
		params.Correlation = &frame.CorrelationSource{}
	}
	if params.Retry.Attempts <= 0 {
		params.Retry.Attempts = DefaultRetryPolicy.Attempts
	}
	if params.Retry.InitialBackoff <= 0 {
		params.Retry.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	if params.Retry.MaxBackoff <= 0 {
		params.Retry.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}

	return &Engine{
		params:   params,
		log:      logger.With(zap.String("handler", "FileTransferEngine")),
		incoming: make(map[string]*incomingTransfer),
	}, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sendWithRetry retries I/O failures with exponential backoff. Cancelling ctx aborts the wait.
func (e *Engine) sendWithRetry(ctx context.Context, via string, data []byte, operation string) error {
	backoff := e.params.Retry.InitialBackoff

	for attempt := 1; ; attempt++ {
		err := e.params.Sender.Send(via, data)
		if err == nil {
			return nil
		}

		if attempt >= e.params.Retry.Attempts {
			return &errors.RetryExhausted{Operation: operation, Attempts: attempt, LastError: err}
		}

		e.log.Warn("Send failed, backing off",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > e.params.Retry.MaxBackoff {
			backoff = e.params.Retry.MaxBackoff
		}
	}
}

func (e *Engine) encodeFileFrame(frameType envelope.FrameType, peerId string, body []byte) ([]byte, error) {
	env, err := envelope.FileSerializer.Serialize(&envelope.Envelope{
		Direction: envelope.Direction_ClientToServer,
		FrameType: frameType,
		PeerId:    peerId,
		Payload:   body,
	})
	if err != nil {
		return nil, err
	}
	return frame.Encode(frame.KindFile, e.params.Correlation.Next(), env), nil
}

// SendFile streams the file at path to targetPeerId through the relay connection viaConnectionId.
// It blocks until the last chunk is written or the transfer fails; the transfer id is returned either way
// once one has been assigned.
func (e *Engine) SendFile(ctx context.Context, viaConnectionId, targetPeerId, path, ownerId string) (string, error) {
	transferId := uuid.NewString()
	log := e.log.With(zap.String("transferId", transferId), zap.String("target", targetPeerId))

	now := time.Now()
	record := TransferRecord{
		TransferId: transferId,
		FileName:   filepath.Base(path),
		LocalPath:  path,
		Peer:       targetPeerId,
		Owner:      ownerId,
		Direction:  Direction_Send,
		Status:     TransferStatus_Pending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	recordId, err := e.params.Transfers.Save(record)
	if err != nil {
		return "", err
	}

	fail := func(err error) (string, error) {
		log.Error("File send failed", zap.Error(err))
		record.Status = TransferStatus_Error
		record.Error = err.Error()
		e.updateRecord(recordId, &record)
		e.params.Publisher.Publish(events.Event{
			Type: events.FileError,
			Data: Failed{
				TransferId: transferId,
				FileName:   record.FileName,
				Peer:       targetPeerId,
				Direction:  Direction_Send,
				Error:      err.Error(),
			},
			Source: viaConnectionId,
		})
		return transferId, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fail(err)
	}
	if info.IsDir() {
		return fail(fmt.Errorf("%s is a directory", path))
	}

	digest, err := fileDigest(path)
	if err != nil {
		return fail(err)
	}

	record.FileSize = info.Size()
	record.Checksum = digest
	record.Status = TransferStatus_InProgress
	e.updateRecord(recordId, &record)

	metadata, err := e.encodeFileFrame(envelope.FrameType_Metadata, targetPeerId, filemsg.SerializeMetadata(&filemsg.Metadata{
		FileName:   record.FileName,
		FileSize:   record.FileSize,
		Checksum:   digest,
		TransferId: transferId,
	}))
	if err != nil {
		return fail(err)
	}
	if err := e.sendWithRetry(ctx, viaConnectionId, metadata, "file metadata"); err != nil {
		return fail(err)
	}

	log.Info("Sending file", zap.String("fileName", record.FileName), zap.Int64("size", record.FileSize))

	f, err := os.Open(path)
	if err != nil {
		return fail(err)
	}
	defer f.Close()

	buf := make([]byte, filemsg.ChunkSize)
	var offset int64
	for chunkNumber := int32(0); offset < record.FileSize; chunkNumber++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return fail(err)
		}

		chunk, err := e.encodeFileFrame(envelope.FrameType_Chunk, targetPeerId, filemsg.SerializeChunk(&filemsg.Chunk{
			TransferId:  transferId,
			ChunkNumber: chunkNumber,
			ByteOffset:  offset,
			Data:        buf[:n],
		}))
		if err != nil {
			return fail(err)
		}
		if err := e.sendWithRetry(ctx, viaConnectionId, chunk, fmt.Sprintf("file chunk %d", chunkNumber)); err != nil {
			return fail(err)
		}

		offset += int64(n)
		e.params.Publisher.Publish(events.Event{
			Type: events.FileProgress,
			Data: Progress{
				TransferId: transferId,
				FileName:   record.FileName,
				Percent:    percent(offset, record.FileSize),
				BytesSoFar: offset,
				Total:      record.FileSize,
				Direction:  Direction_Send,
				LocalPath:  path,
			},
			Source: viaConnectionId,
		})
	}

	record.Status = TransferStatus_Completed
	e.updateRecord(recordId, &record)
	e.params.Publisher.Publish(events.Event{
		Type: events.FileCompleted,
		Data: Completed{
			TransferId: transferId,
			FileName:   record.FileName,
			LocalPath:  path,
			Peer:       targetPeerId,
			Size:       record.FileSize,
			Direction:  Direction_Send,
			Verified:   true,
			Checksum:   digest,
		},
		Source: viaConnectionId,
	})

	log.Info("File sent", zap.Int64("bytes", offset))
	return transferId, nil
}

func (e *Engine) updateRecord(id int64, record *TransferRecord) {
	record.UpdatedAt = time.Now()
	if err := e.params.Transfers.Update(id, *record); err != nil {
		e.log.Warn("Failed to update transfer record", zap.String("transferId", record.TransferId), zap.Error(err))
	}
}

// HandleRelay forwards a client->server FILE frame to its declared peer, direction flipped and the peer id
// rewritten to the sender. The body is never buffered beyond the single frame.
func (e *Engine) HandleRelay(source string, f *frame.Frame) {
	target, readdressed, err := envelope.FileSerializer.Readdress(source, f.Payload)
	if err != nil {
		e.log.Warn("Dropping unroutable file frame", zap.String("source", source), zap.Error(err))
		return
	}

	if err := e.params.Sender.Send(target, frame.Encode(frame.KindFile, f.Header.CorrelationId, readdressed)); err != nil {
		e.log.Warn("Failed to forward file frame",
			zap.String("source", source),
			zap.String("target", target),
			zap.Uint32("correlationId", f.Header.CorrelationId),
			zap.Error(err))
	}
}

// Transfers lists every transfer the engine has recorded.
func (e *Engine) Transfers() ([]TransferRecord, error) {
	return e.params.Transfers.List()
}
