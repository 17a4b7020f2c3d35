package transports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/opus"
	"github.com/pion/webrtc/v3"
	"github.com/square-key-labs/strawgo-call/src/audio"
	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/logger"
	"github.com/square-key-labs/strawgo-call/src/serializers"
)

const (
	// opusRate is the clock rate of WebRTC Opus.
	opusRate = 48000
	// opusFrameBytes is one decoded 20ms packet of 48kHz mono PCM16.
	opusFrameBytes = opusRate / 50 * 2

	controlChannelLabel = "control"
	maxOfferSize        = 64 * 1024
)

// WebRTCConfig configures the WebRTC signalling endpoint.
type WebRTCConfig struct {
	ICEServers []string
	// GatherTimeout bounds ICE candidate gathering for an answer.
	GatherTimeout time.Duration
}

// offerRequest is the body of POST /rtc/offer.
type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
	serializers.Hello
}

type answerResponse struct {
	SDP    string `json:"sdp"`
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
}

// webrtcSignaller answers browser offers. Microphone audio arrives as an
// Opus track; control messages and agent audio travel over the "control"
// data channel in the same format as the WebSocket transport.
type webrtcSignaller struct {
	server *Server
	cfg    WebRTCConfig
	api    *webrtc.API
	log    *logger.Logger
}

func newWebRTCSignaller(server *Server, cfg WebRTCConfig) *webrtcSignaller {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}
	s := &webrtcSignaller{server: server, cfg: cfg, log: logger.WithPrefix("WebRTC")}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		s.log.Error("Failed to register codecs: %v", err)
	}
	s.api = webrtc.NewAPI(webrtc.WithMediaEngine(m))
	return s
}

// dataChannelConn writes to the control channel once it is open. Messages
// written before that are dropped.
type dataChannelConn struct {
	mu sync.Mutex
	dc *webrtc.DataChannel
}

func (c *dataChannelConn) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()
}

func (c *dataChannelConn) channel() *webrtc.DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc
}

func (c *dataChannelConn) WriteBinary(data []byte) error {
	dc := c.channel()
	if dc == nil {
		return nil
	}
	return dc.Send(data)
}

func (c *dataChannelConn) WriteText(text string) error {
	dc := c.channel()
	if dc == nil {
		return nil
	}
	return dc.SendText(text)
}

func (s *webrtcSignaller) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req offerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxOfferSize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid offer: %v", err), http.StatusBadRequest)
		return
	}
	if req.SDP == "" || (req.Type != "" && req.Type != "offer") {
		http.Error(w, "expected an SDP offer", http.StatusBadRequest)
		return
	}

	answer, callID, err := s.accept(req)
	if err != nil {
		s.log.Error("Offer rejected: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(answerResponse{SDP: answer.SDP, Type: answer.Type.String(), CallID: callID})
}

// accept creates the peer connection and starts the call pipeline.
func (s *webrtcSignaller) accept(req offerRequest) (*webrtc.SessionDescription, string, error) {
	hello := req.Hello
	hello.Codec = string(audio.CodecLinear16)
	hello.SampleRate = opusRate

	serializer := serializers.NewBrowserSerializer(s.server.cfg.SampleRate)
	start, err := serializer.Accept(hello)
	if err != nil {
		return nil, "", err
	}

	var rtcCfg webrtc.Configuration
	if len(s.cfg.ICEServers) > 0 {
		rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: s.cfg.ICEServers}}
	}
	pc, err := s.api.NewPeerConnection(rtcCfg)
	if err != nil {
		return nil, "", fmt.Errorf("create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, "", fmt.Errorf("add audio transceiver: %w", err)
	}

	connID := "rtc-" + uuid.NewString()
	writer := &dataChannelConn{}
	accepted, _ := serializer.Hello()

	// The pipeline outlives the HTTP request.
	runner, err := startCall(context.Background(), "WebRTC", start, s.server.cfg.SampleRate, serializer, writer, accepted, s.server.cfg.Build)
	if err != nil {
		_ = pc.Close()
		return nil, "", err
	}
	s.server.register(connID, runner)

	var closeOnce sync.Once
	closePeer := func(reason string) {
		closeOnce.Do(func() {
			go func() {
				runner.hangup(reason)
				s.server.unregister(connID)
				if err := pc.Close(); err != nil {
					s.log.Debug("Peer %s close: %v", connID, err)
				}
				s.log.Info("Peer %s closed (%s)", connID, reason)
			}()
		})
	}

	go func() {
		<-runner.done()
		closePeer("pipeline_finished")
	}()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("Peer %s state %s", connID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			closePeer("disconnected")
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio || track.Codec().MimeType != webrtc.MimeTypeOpus {
			s.log.Warn("Peer %s: ignoring %s track", connID, track.Codec().MimeType)
			return
		}
		go s.readAudioTrack(connID, track, runner)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != controlChannelLabel {
			return
		}
		dc.OnOpen(func() {
			writer.attach(dc)
			s.log.Debug("Peer %s control channel open", connID)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if !msg.IsString {
				// Microphone audio comes from the track.
				return
			}
			frame, err := serializer.Deserialize(string(msg.Data))
			if err != nil {
				s.log.Debug("Peer %s: dropping message: %v", connID, err)
				return
			}
			if frame == nil {
				return
			}
			if end, ok := frame.(*frames.EndFrame); ok {
				closePeer(endReason(end.Reason))
				return
			}
			if err := runner.deliver(frame); err != nil {
				closePeer("pipeline_finished")
			}
		})
	})

	answer, err := s.negotiate(pc, req.SDP)
	if err != nil {
		closePeer("negotiation_failed")
		return nil, "", err
	}

	s.log.Info("Peer %s established (call %s)", connID, runner.id)
	return answer, runner.id, nil
}

// negotiate applies the offer and returns the answer with every gathered
// ICE candidate embedded.
func (s *webrtcSignaller) negotiate(pc *webrtc.PeerConnection, sdp string) (*webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(s.cfg.GatherTimeout):
		s.log.Warn("ICE gathering timed out, answering with partial candidates")
	}

	local := pc.LocalDescription()
	if local == nil {
		return nil, errors.New("no local description")
	}
	return local, nil
}

// readAudioTrack decodes the caller's Opus track into 48kHz PCM16 frames.
func (s *webrtcSignaller) readAudioTrack(connID string, track *webrtc.TrackRemote, runner *callRunner) {
	decoder := opus.NewDecoder()
	pcm := make([]byte, opusFrameBytes)
	failures := 0

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("Peer %s: track read: %v", connID, err)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		if _, _, err := decoder.Decode(pkt.Payload, pcm); err != nil {
			failures++
			if failures%250 == 1 {
				s.log.Warn("Peer %s: opus decode: %v", connID, err)
			}
			continue
		}

		frame := frames.NewAudioFrame(append([]byte(nil), pcm...), opusRate, 1)
		if err := runner.deliver(frame); err != nil {
			return
		}
	}
}

func endReason(reason string) string {
	if reason == "" {
		return "hangup"
	}
	return reason
}
