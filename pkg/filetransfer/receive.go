package filetransfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/sessamekesh/spanreed-relay/pkg/message/envelope"
	"github.com/sessamekesh/spanreed-relay/pkg/message/filemsg"
	"github.com/sessamekesh/spanreed-relay/pkg/message/frame"
	"go.uber.org/zap"
)

type incomingTransfer struct {
	transferId string
	sender     string
	source     string
	fileName   string
	path       string
	checksum   string
	size       int64
	recordId   int64
	record     TransferRecord

	written   atomic.Int64
	finalized atomic.Bool

	Mut    sync.Mutex
	file   *os.File
	chunks map[int64]bool
}

// HandleClient consumes server->client FILE frames: metadata opens a transfer, chunks fill it in.
func (e *Engine) HandleClient(source string, f *frame.Frame) {
	env, err := envelope.FileSerializer.Parse(f.Payload)
	if err != nil {
		e.log.Warn("Dropping malformed file frame", zap.String("source", source), zap.Error(err))
		return
	}
	if env.Direction != envelope.Direction_ServerToClient {
		e.log.Warn("Dropping file frame with client->server direction", zap.String("source", source))
		return
	}

	switch env.FrameType {
	case envelope.FrameType_Metadata:
		metadata, err := filemsg.ParseMetadata(env.Payload)
		if err != nil {
			e.log.Warn("Dropping malformed file metadata", zap.String("source", source), zap.Error(err))
			return
		}
		if err := e.beginIncoming(source, env.PeerId, metadata); err != nil {
			e.log.Error("Cannot accept incoming file", zap.String("transferId", metadata.TransferId), zap.Error(err))
			e.params.Publisher.Publish(events.Event{
				Type: events.FileError,
				Data: Failed{
					TransferId: metadata.TransferId,
					FileName:   metadata.FileName,
					Peer:       env.PeerId,
					Direction:  Direction_Receive,
					Error:      err.Error(),
				},
				Source: source,
			})
		}
	case envelope.FrameType_Chunk:
		chunk, err := filemsg.ParseChunk(env.Payload)
		if err != nil {
			e.log.Warn("Dropping malformed file chunk", zap.String("source", source), zap.Error(err))
			return
		}
		e.writeChunk(chunk)
	}
}

// destinationPath picks "name.ext", then "name (n).ext", so an existing file is never overwritten.
func destinationPath(dir, fileName string) string {
	name := filepath.Base(filepath.Clean("/" + fileName))
	if name == "/" || name == "." {
		name = "received"
	}

	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func (e *Engine) beginIncoming(source, sender string, metadata *filemsg.Metadata) error {
	if metadata.FileSize < 0 {
		return &errors.MissingFieldError{MessageName: "FileMetadata", FieldName: "FileSize(>=0)"}
	}

	e.mut_incoming.Lock()
	if _, has := e.incoming[metadata.TransferId]; has {
		e.mut_incoming.Unlock()
		return &errors.NameCollision{CollisionContext: "FileTransferEngine::incoming", Name: metadata.TransferId}
	}
	// Reserve the id before touching the filesystem so a duplicate metadata frame cannot race us.
	t := &incomingTransfer{
		transferId: metadata.TransferId,
		sender:     sender,
		source:     source,
		fileName:   metadata.FileName,
		checksum:   metadata.Checksum,
		size:       metadata.FileSize,
		chunks:     make(map[int64]bool),
	}
	t.Mut.Lock()
	defer t.Mut.Unlock()
	e.incoming[metadata.TransferId] = t
	e.mut_incoming.Unlock()

	if err := os.MkdirAll(e.params.OutputDirectory, 0755); err != nil {
		e.dropIncoming(t.transferId)
		return err
	}

	t.path = destinationPath(e.params.OutputDirectory, metadata.FileName)
	file, err := os.OpenFile(t.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		e.dropIncoming(t.transferId)
		return err
	}
	if err := file.Truncate(metadata.FileSize); err != nil {
		file.Close()
		e.dropIncoming(t.transferId)
		return err
	}
	t.file = file

	now := time.Now()
	t.record = TransferRecord{
		TransferId: metadata.TransferId,
		FileName:   metadata.FileName,
		LocalPath:  t.path,
		FileSize:   metadata.FileSize,
		Checksum:   metadata.Checksum,
		Peer:       sender,
		Direction:  Direction_Receive,
		Status:     TransferStatus_InProgress,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if t.recordId, err = e.params.Transfers.Save(t.record); err != nil {
		e.log.Warn("Failed to save transfer record", zap.String("transferId", t.transferId), zap.Error(err))
	}

	e.log.Info("Receiving file",
		zap.String("transferId", t.transferId),
		zap.String("sender", sender),
		zap.String("path", t.path),
		zap.Int64("size", t.size))

	if t.size == 0 && t.finalized.CompareAndSwap(false, true) {
		e.finalizeLocked(t)
	}
	return nil
}

func (e *Engine) dropIncoming(transferId string) {
	e.mut_incoming.Lock()
	defer e.mut_incoming.Unlock()
	delete(e.incoming, transferId)
}

// chunkFits accepts only the layout SendFile produces: chunk n starts at n*ChunkSize and carries a
// full ChunkSize unless it ends the file. Chunks therefore never overlap and the byte count is exact.
func chunkFits(chunk *filemsg.Chunk, size int64) bool {
	length := int64(len(chunk.Data))
	if chunk.ChunkNumber < 0 || chunk.ByteOffset < 0 || chunk.ByteOffset >= size {
		return false
	}
	if chunk.ByteOffset != int64(chunk.ChunkNumber)*filemsg.ChunkSize {
		return false
	}
	if length == 0 || length > size-chunk.ByteOffset || length > filemsg.ChunkSize {
		return false
	}
	return length == filemsg.ChunkSize || length == size-chunk.ByteOffset
}

func (e *Engine) writeChunk(chunk *filemsg.Chunk) {
	e.mut_incoming.RLock()
	t, has := e.incoming[chunk.TransferId]
	e.mut_incoming.RUnlock()

	if !has {
		e.log.Warn("Dropping chunk for unknown transfer", zap.String("transferId", chunk.TransferId), zap.Int32("chunkNumber", chunk.ChunkNumber))
		return
	}

	t.Mut.Lock()
	defer t.Mut.Unlock()

	if t.file == nil {
		return
	}
	if !chunkFits(chunk, t.size) {
		e.log.Warn("Dropping chunk outside the declared file layout",
			zap.String("transferId", t.transferId),
			zap.Int32("chunkNumber", chunk.ChunkNumber),
			zap.Int64("byteOffset", chunk.ByteOffset),
			zap.Int("length", len(chunk.Data)))
		return
	}

	if _, err := t.file.WriteAt(chunk.Data, chunk.ByteOffset); err != nil {
		e.log.Error("Failed to write chunk", zap.String("transferId", t.transferId), zap.Error(err))
		e.failIncomingLocked(t, err)
		return
	}

	// A resent chunk overwrites the same bytes and does not count twice.
	soFar := t.written.Load()
	if !t.chunks[chunk.ByteOffset] {
		t.chunks[chunk.ByteOffset] = true
		soFar = t.written.Add(int64(len(chunk.Data)))
	}

	e.params.Publisher.Publish(events.Event{
		Type: events.FileProgress,
		Data: Progress{
			TransferId: t.transferId,
			FileName:   t.fileName,
			Percent:    percent(soFar, t.size),
			BytesSoFar: soFar,
			Total:      t.size,
			Direction:  Direction_Receive,
			LocalPath:  t.path,
		},
		Source: t.source,
	})

	if soFar >= t.size && t.finalized.CompareAndSwap(false, true) {
		e.finalizeLocked(t)
	}
}

// finalizeLocked closes the file and re-hashes it. A digest mismatch is reported but the file stays.
func (e *Engine) finalizeLocked(t *incomingTransfer) {
	e.dropIncoming(t.transferId)

	log := e.log.With(zap.String("transferId", t.transferId))
	if err := t.file.Close(); err != nil {
		log.Error("Failed to close received file", zap.Error(err))
		t.file = nil
		e.failRecord(t, err)
		return
	}
	t.file = nil

	computed, err := fileDigest(t.path)
	if err != nil {
		log.Error("Failed to hash received file", zap.Error(err))
		e.failRecord(t, err)
		return
	}

	verified := strings.EqualFold(computed, t.checksum)
	if verified {
		t.record.Status = TransferStatus_Completed
		log.Info("File received", zap.String("path", t.path))
	} else {
		mismatch := &errors.DigestMismatch{TransferId: t.transferId, Declared: t.checksum, Computed: computed}
		t.record.Status = TransferStatus_Error
		t.record.Error = mismatch.Error()
		log.Warn("Received file failed verification", zap.Error(mismatch))
		e.params.Publisher.Publish(events.Event{
			Type: events.FileError,
			Data: Failed{
				TransferId: t.transferId,
				FileName:   t.fileName,
				Peer:       t.sender,
				Direction:  Direction_Receive,
				Error:      mismatch.Error(),
			},
			Source: t.source,
		})
	}
	e.updateRecord(t.recordId, &t.record)

	e.params.Publisher.Publish(events.Event{
		Type: events.FileCompleted,
		Data: Completed{
			TransferId: t.transferId,
			FileName:   t.fileName,
			LocalPath:  t.path,
			Peer:       t.sender,
			Size:       t.size,
			Direction:  Direction_Receive,
			Verified:   verified,
			Checksum:   computed,
		},
		Source: t.source,
	})
}

func (e *Engine) failIncomingLocked(t *incomingTransfer, err error) {
	if !t.finalized.CompareAndSwap(false, true) {
		return
	}
	e.dropIncoming(t.transferId)
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	e.failRecord(t, err)
}

func (e *Engine) failRecord(t *incomingTransfer, err error) {
	t.record.Status = TransferStatus_Error
	t.record.Error = err.Error()
	e.updateRecord(t.recordId, &t.record)

	e.params.Publisher.Publish(events.Event{
		Type: events.FileError,
		Data: Failed{
			TransferId: t.transferId,
			FileName:   t.fileName,
			Peer:       t.sender,
			Direction:  Direction_Receive,
			Error:      err.Error(),
		},
		Source: t.source,
	})
}

// Close abandons every unfinished incoming transfer, leaving partial files on disk.
func (e *Engine) Close() error {
	e.mut_incoming.RLock()
	pending := make([]*incomingTransfer, 0, len(e.incoming))
	for _, t := range e.incoming {
		pending = append(pending, t)
	}
	e.mut_incoming.RUnlock()

	for _, t := range pending {
		t.Mut.Lock()
		e.failIncomingLocked(t, fmt.Errorf("transfer interrupted at %d of %d bytes", t.written.Load(), t.size))
		t.Mut.Unlock()
	}
	return nil
}

// Pending reports how many incoming transfers are still open.
func (e *Engine) Pending() int {
	e.mut_incoming.RLock()
	defer e.mut_incoming.RUnlock()
	return len(e.incoming)
}
