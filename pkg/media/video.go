package media

import (
	"context"
	goerrs "errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/sessamekesh/spanreed-relay/pkg/message/video"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultFrameInterval paces capture at roughly 30 frames per second.
const DefaultFrameInterval = 33 * time.Millisecond

type DatagramWriter interface {
	SendTo(addr *net.UDPAddr, datagram []byte) error
}

type DatagramServer interface {
	Serve(ctx context.Context, onDatagram func(datagram []byte, from *net.UDPAddr)) error
}

// FrameSource yields one encoded frame per call. io.EOF ends capture cleanly.
type FrameSource interface {
	NextFrame(ctx context.Context) ([]byte, error)
}

type VideoSenderParams struct {
	Writer DatagramWriter
	Remote *net.UDPAddr

	FrameInterval time.Duration
	Logger        *zap.Logger
}

type VideoSender struct {
	params VideoSenderParams
	log    *zap.Logger

	nextFrameId atomic.Uint32
	limiter     *rate.Limiter
}

func CreateVideoSender(params VideoSenderParams) (*VideoSender, error) {
	if params.Writer == nil {
		return nil, &errors.MissingFieldError{MessageName: "VideoSenderParams", FieldName: "Writer"}
	}
	if params.Remote == nil {
		return nil, &errors.MissingFieldError{MessageName: "VideoSenderParams", FieldName: "Remote"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.FrameInterval <= 0 {
		params.FrameInterval = DefaultFrameInterval
	}

	return &VideoSender{
		params:  params,
		log:     logger.With(zap.String("handler", "VideoSender"), zap.String("remote", params.Remote.String())),
		limiter: rate.NewLimiter(rate.Every(params.FrameInterval), 1),
	}, nil
}

// SendFrame fragments data and sends every packet. Delivery is fire-and-forget.
func (s *VideoSender) SendFrame(frameId uint32, data []byte) error {
	for _, p := range video.Split(frameId, data) {
		if err := s.params.Writer.SendTo(s.params.Remote, video.Serialize(p)); err != nil {
			return err
		}
	}
	return nil
}

// StartCapture pulls frames from source, paced to the frame interval, until ctx is done.
func (s *VideoSender) StartCapture(ctx context.Context, source FrameSource) error {
	s.log.Info("Starting video capture")
	defer s.log.Info("Stopping video capture")

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}

		data, err := source.NextFrame(ctx)
		if err != nil {
			if goerrs.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		frameId := s.nextFrameId.Add(1)
		if err := s.SendFrame(frameId, data); err != nil {
			s.log.Warn("Failed to send video frame", zap.Uint32("frameId", frameId), zap.Error(err))
		}
	}
}

// VideoFrame is the Data of VIDEO_FRAME_COMPLETE events.
type VideoFrame struct {
	FrameId uint32 `json:"frameId"`
	From    string `json:"from"`
	Data    []byte `json:"-"`
}

type VideoReceiverParams struct {
	Publisher events.Publisher

	MaxPendingFrames int
	Logger           *zap.Logger
}

// VideoReceiver publishes every datagram as VIDEO_FRAME, and each fully reassembled frame as
// VIDEO_FRAME_COMPLETE. Reassembly is tracked per remote address.
type VideoReceiver struct {
	params VideoReceiverParams
	log    *zap.Logger

	mut_assemblers sync.Mutex
	assemblers     map[string]*FrameAssembler
}

func CreateVideoReceiver(params VideoReceiverParams) (*VideoReceiver, error) {
	if params.Publisher == nil {
		return nil, &errors.MissingFieldError{MessageName: "VideoReceiverParams", FieldName: "Publisher"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &VideoReceiver{
		params:     params,
		log:        logger.With(zap.String("handler", "VideoReceiver")),
		assemblers: make(map[string]*FrameAssembler),
	}, nil
}

func (r *VideoReceiver) Start(ctx context.Context, server DatagramServer) error {
	r.log.Info("Starting video receiver")
	defer r.log.Info("Stopping video receiver")
	return server.Serve(ctx, r.HandleDatagram)
}

func (r *VideoReceiver) HandleDatagram(datagram []byte, from *net.UDPAddr) {
	source := from.String()
	r.params.Publisher.Publish(events.Event{
		Type:   events.VideoFrame,
		Data:   datagram,
		Source: source,
	})

	p, err := video.Parse(datagram)
	if err != nil {
		r.log.Debug("Dropping short video datagram", zap.String("from", source), zap.Error(err))
		return
	}

	r.mut_assemblers.Lock()
	assembler, has := r.assemblers[source]
	if !has {
		assembler = CreateFrameAssembler(r.params.MaxPendingFrames)
		r.assemblers[source] = assembler
	}
	whole, complete := assembler.Add(p)
	r.mut_assemblers.Unlock()

	if !complete {
		return
	}

	r.params.Publisher.Publish(events.Event{
		Type:   events.VideoFrameComplete,
		Data:   VideoFrame{FrameId: p.FrameId, From: source, Data: whole},
		Source: source,
	})
}
