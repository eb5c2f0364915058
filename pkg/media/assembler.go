package media

import (
	"github.com/sessamekesh/spanreed-relay/pkg/message/video"
)

// MaxFrameLength bounds the buffer a single declared frame may allocate.
const MaxFrameLength = 16 * 1024 * 1024

type pendingFrame struct {
	total    uint32
	buf      []byte
	received uint32
	offsets  map[uint32]bool
}

// FrameAssembler rebuilds multi-packet video frames from their (frameId, packetNumber, totalLength,
// byteOffset) headers. Packets may arrive in any order; incomplete frames are evicted oldest-first once
// more than maxPending are open. Not safe for concurrent use.
type FrameAssembler struct {
	maxPending int

	pending map[uint32]*pendingFrame
	order   []uint32

	// recently completed frame ids, so late duplicates do not reopen them
	done      map[uint32]bool
	doneOrder []uint32
}

func CreateFrameAssembler(maxPending int) *FrameAssembler {
	if maxPending <= 0 {
		maxPending = 8
	}
	return &FrameAssembler{
		maxPending: maxPending,
		pending:    make(map[uint32]*pendingFrame),
		done:       make(map[uint32]bool),
	}
}

// Add returns the whole frame once its final missing packet arrives. Packets that do not line up
// with their packet number are dropped.
func (a *FrameAssembler) Add(p *video.Packet) ([]byte, bool) {
	if a.done[p.FrameId] || p.TotalFrameLength > MaxFrameLength {
		return nil, false
	}
	if !packetFits(p) {
		return nil, false
	}

	pf, has := a.pending[p.FrameId]
	if !has {
		pf = &pendingFrame{
			total:   p.TotalFrameLength,
			buf:     make([]byte, p.TotalFrameLength),
			offsets: make(map[uint32]bool),
		}
		a.pending[p.FrameId] = pf
		a.order = append(a.order, p.FrameId)
		a.evict()
	}

	if pf.total != p.TotalFrameLength || pf.offsets[p.ByteOffset] {
		return nil, false
	}
	pf.offsets[p.ByteOffset] = true
	copy(pf.buf[p.ByteOffset:], p.Data)
	pf.received += uint32(len(p.Data))

	if pf.received < pf.total {
		return nil, false
	}

	a.forget(p.FrameId)
	a.markDone(p.FrameId)
	return pf.buf, true
}

// packetFits accepts only the layout video.Split produces: packet n starts at n*MaxPacketData and is
// full unless it ends the frame, so packets never overlap and received bytes add up exactly.
func packetFits(p *video.Packet) bool {
	offset := uint64(p.ByteOffset)
	length := uint64(len(p.Data))
	total := uint64(p.TotalFrameLength)
	if offset != uint64(p.PacketNumber)*video.MaxPacketData || offset >= total {
		return false
	}
	if length == 0 || length > total-offset || length > video.MaxPacketData {
		return false
	}
	return length == video.MaxPacketData || length == total-offset
}

func (a *FrameAssembler) Pending() int {
	return len(a.pending)
}

func (a *FrameAssembler) evict() {
	for len(a.order) > a.maxPending {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.pending, oldest)
	}
}

func (a *FrameAssembler) forget(frameId uint32) {
	delete(a.pending, frameId)
	for i, id := range a.order {
		if id == frameId {
			a.order = append(a.order[:i], a.order[i+1:]...)
			return
		}
	}
}

func (a *FrameAssembler) markDone(frameId uint32) {
	a.done[frameId] = true
	a.doneOrder = append(a.doneOrder, frameId)
	for len(a.doneOrder) > a.maxPending*4 {
		delete(a.done, a.doneOrder[0])
		a.doneOrder = a.doneOrder[1:]
	}
}
