// Package media relays already-encoded audio and video buffers. Audio rides the framed TCP transport in a
// routed envelope; video is fragmented into raw UDP datagrams.
package media

import (
	"context"
	goerrs "errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/sessamekesh/spanreed-relay/pkg/message/envelope"
	"github.com/sessamekesh/spanreed-relay/pkg/message/frame"
	"go.uber.org/zap"
)

type AudioFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultAudioFormat is 16 kHz mono signed 16-bit PCM.
var DefaultAudioFormat = AudioFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

const AudioFrameDuration = 20 * time.Millisecond

// FrameBytes is the size of one AudioFrameDuration capture buffer.
func (f AudioFormat) FrameBytes() int {
	return f.SampleRate * f.Channels * (f.BitsPerSample / 8) * int(AudioFrameDuration/time.Millisecond) / 1000
}

// AudioSource blocks until one capture buffer is available. io.EOF ends capture cleanly.
type AudioSource interface {
	ReadFrame(buf []byte) (int, error)
}

type AudioSink interface {
	Play(pcm []byte) error
}

type Sender interface {
	Send(connectionId string, data []byte) error
}

// AudioFrame is the Data of AUDIO_FRAME events.
type AudioFrame struct {
	Peer    string `json:"peer"`
	FrameId uint32 `json:"frameId"`
	PCM     []byte `json:"-"`
}

type AudioRelayParams struct {
	Sender    Sender
	Publisher events.Publisher
	// Sink is optional; without one received audio is only published.
	Sink   AudioSink
	Format AudioFormat
	Logger *zap.Logger
}

type AudioRelay struct {
	params AudioRelayParams
	log    *zap.Logger

	frameId      atomic.Uint32
	micMuted     atomic.Bool
	speakerMuted atomic.Bool
}

func CreateAudioRelay(params AudioRelayParams) (*AudioRelay, error) {
	if params.Sender == nil {
		return nil, &errors.MissingFieldError{MessageName: "AudioRelayParams", FieldName: "Sender"}
	}
	if params.Publisher == nil {
		return nil, &errors.MissingFieldError{MessageName: "AudioRelayParams", FieldName: "Publisher"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.Format == (AudioFormat{}) {
		params.Format = DefaultAudioFormat
	}

	return &AudioRelay{
		params: params,
		log:    logger.With(zap.String("handler", "AudioRelay")),
	}, nil
}

func (a *AudioRelay) SetMicMuted(muted bool)     { a.micMuted.Store(muted) }
func (a *AudioRelay) SetSpeakerMuted(muted bool) { a.speakerMuted.Store(muted) }
func (a *AudioRelay) MicMuted() bool             { return a.micMuted.Load() }
func (a *AudioRelay) SpeakerMuted() bool         { return a.speakerMuted.Load() }

// SendFrame wraps pcm for peerId and sends it to the relay. The frame id doubles as correlation id.
func (a *AudioRelay) SendFrame(connectionId, peerId string, pcm []byte) (uint32, error) {
	env, err := envelope.AudioSerializer.Serialize(&envelope.Envelope{
		Direction: envelope.Direction_ClientToServer,
		PeerId:    peerId,
		Payload:   pcm,
	})
	if err != nil {
		return 0, err
	}

	frameId := a.frameId.Add(1)
	return frameId, a.params.Sender.Send(connectionId, frame.Encode(frame.KindAudio, frameId, env))
}

// StartCapture reads from source until ctx is done or the source ends. Frames read while the mic is
// muted are discarded locally.
func (a *AudioRelay) StartCapture(ctx context.Context, connectionId, peerId string, source AudioSource) error {
	log := a.log.With(zap.String("connectionId", connectionId), zap.String("peer", peerId))
	log.Info("Starting audio capture")
	defer log.Info("Stopping audio capture")

	buf := make([]byte, a.params.Format.FrameBytes())
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		n, err := source.ReadFrame(buf)
		if err != nil {
			if goerrs.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if n == 0 || a.micMuted.Load() {
			continue
		}

		if _, err := a.SendFrame(connectionId, peerId, buf[:n]); err != nil {
			return err
		}
	}
}

func (a *AudioRelay) HandleRelay(source string, f *frame.Frame) {
	target, readdressed, err := envelope.AudioSerializer.Readdress(source, f.Payload)
	if err != nil {
		a.log.Warn("Dropping unroutable audio frame", zap.String("source", source), zap.Error(err))
		return
	}

	if err := a.params.Sender.Send(target, frame.Encode(frame.KindAudio, f.Header.CorrelationId, readdressed)); err != nil {
		a.log.Debug("Failed to forward audio frame", zap.String("source", source), zap.String("target", target), zap.Error(err))
	}
}

func (a *AudioRelay) HandleClient(source string, f *frame.Frame) {
	env, err := envelope.AudioSerializer.Parse(f.Payload)
	if err != nil {
		a.log.Warn("Dropping malformed audio frame", zap.String("source", source), zap.Error(err))
		return
	}
	if env.Direction != envelope.Direction_ServerToClient {
		a.log.Warn("Dropping audio frame with client->server direction", zap.String("source", source))
		return
	}

	if !a.speakerMuted.Load() && a.params.Sink != nil {
		if err := a.params.Sink.Play(env.Payload); err != nil {
			a.log.Warn("Audio playback failed", zap.Error(err))
		}
	}

	a.params.Publisher.Publish(events.Event{
		Type: events.AudioFrame,
		Data: AudioFrame{
			Peer:    env.PeerId,
			FrameId: f.Header.CorrelationId,
			PCM:     env.Payload,
		},
		Source: source,
	})
}
