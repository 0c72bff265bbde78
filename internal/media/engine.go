// Package media adapts a pion WebRTC PeerConnection to the offer/answer
// interface used by the call state machine. It negotiates receive-only audio
// and video; capture and rendering are left to the embedding application.
package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"p2p-call/internal/telemetry"
)

// Config holds PeerConnection settings.
type Config struct {
	ICEServers []string
	Logger     logrus.FieldLogger
}

var ErrClosed = errors.New("media: engine closed")

// Engine is one PeerConnection for one call.
type Engine struct {
	pc  *webrtc.PeerConnection
	log logrus.FieldLogger

	mu        sync.Mutex
	onDisc    func()
	fired     bool
	closed    bool
	closeOnce sync.Once
}

// New builds a PeerConnection with the default codecs and interceptors.
func New(cfg Config) (*Engine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, reg); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(reg),
	)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("media: add %s transceiver: %w", kind, err)
		}
	}

	e := &Engine{pc: pc, log: telemetry.Component(cfg.Logger, "media")}
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.log.WithField("ice_state", s.String()).Debug("ice state changed")
		switch s {
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			e.fireDisconnected()
		}
	})
	return e, nil
}


// CreateOffer produces the local offer once ICE gathering has completed.
// cb runs on its own goroutine.
func (e *Engine) CreateOffer(cb func(sdp string, err error)) {
	go func() {
		if _, err := e.pc.CreateDataChannel("data", nil); err != nil {
			cb("", err)
			return
		}
		offer, err := e.pc.CreateOffer(nil)
		if err != nil {
			cb("", err)
			return
		}
		cb(e.setLocalAndGather(offer))
	}()
}

// CreateAnswer applies the remote offer and produces the local answer.
func (e *Engine) CreateAnswer(offer string, cb func(sdp string, err error)) {
	go func() {
		if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
			cb("", fmt.Errorf("media: remote offer: %w", err))
			return
		}
		answer, err := e.pc.CreateAnswer(nil)
		if err != nil {
			cb("", err)
			return
		}
		cb(e.setLocalAndGather(answer))
	}()
}

func (e *Engine) setLocalAndGather(desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(desc); err != nil {
		return "", err
	}
	<-gathered
	if e.isClosed() {
		return "", ErrClosed
	}
	local := e.pc.LocalDescription()
	if local == nil {
		return "", errors.New("media: no local description")
	}
	return local.SDP, nil
}

// SetRemoteAnswer applies the callee's answer on the caller side.
func (e *Engine) SetRemoteAnswer(sdp string) error {
	return e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// OnDisconnected registers fn to run once when the media path is lost.
func (e *Engine) OnDisconnected(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDisc = fn
}

func (e *Engine) fireDisconnected() {
	e.mu.Lock()
	fn := e.onDisc
	if e.fired || e.closed || fn == nil {
		e.mu.Unlock()
		return
	}
	e.fired = true
	e.mu.Unlock()
	fn()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close tears down the PeerConnection. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		err = e.pc.Close()
	})
	return err
}
