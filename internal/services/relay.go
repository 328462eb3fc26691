package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"vision-edge/internal/camera"
	"vision-edge/internal/logger"
	"vision-edge/internal/models"
	"vision-edge/internal/state"
)

// MessageSender delivers telemetry to a hub output
type MessageSender interface {
	SendMessage(output string, body []byte) error
}

// StateReporter publishes reported twin properties
type StateReporter interface {
	ReportState(payload []byte) error
}

// ArtifactPusher copies downloaded artifacts to where the camera loads them from
type ArtifactPusher interface {
	Transfer(dst string) (int, error)
}

// RelayConfig holds configuration for the inference relay
type RelayConfig struct {
	Credentials  camera.Credentials // used for the first session
	Preview      camera.PreviewConfig
	Output       string        // hub output the detections are sent to, e.g. "output1"
	RestartDelay time.Duration // pause between logout and reconnect

	// PushModel copies the artifacts to ModelDir before the first preview starts
	PushModel bool
	ModelDir  string

	// IdlePoll is how often the restart flag is checked once the stream has ended
	IdlePoll time.Duration
}

// errRestart ends the relay of the current stream so the session can be rebuilt
var errRestart = errors.New("camera restart requested")

// Relay consumes the camera's inference stream and forwards every detection to the hub.
// It owns the camera session and rebuilds it when the reconciler asks for a restart.
type Relay struct {
	config   RelayConfig
	dialer   camera.Dialer
	state    *state.State
	sender   MessageSender
	reporter StateReporter
	pusher   ArtifactPusher
	log      *logrus.Entry

	session camera.Session
	stream  camera.InferenceStream
}

// NewRelay creates a relay. reporter and pusher may be nil.
func NewRelay(
	config RelayConfig,
	dialer camera.Dialer,
	st *state.State,
	sender MessageSender,
	reporter StateReporter,
	pusher ArtifactPusher,
) *Relay {
	if config.IdlePoll <= 0 {
		config.IdlePoll = time.Second
	}
	return &Relay{
		config:   config,
		dialer:   dialer,
		state:    st,
		sender:   sender,
		reporter: reporter,
		pusher:   pusher,
		log:      logger.Component("relay"),
	}
}

// Run opens the camera session, relays inference results until ctx is cancelled and
// then shuts the camera down. Camera errors end Run.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.start(ctx); err != nil {
		r.shutdown(ctx)
		return err
	}

	for {
		err := r.relayStream(ctx)

		switch {
		case ctx.Err() != nil:
			r.shutdown(ctx)
			return nil

		case errors.Is(err, io.EOF):
			r.log.Info("Inference stream ended, waiting for shutdown or restart")
			if !r.waitForRestart(ctx) {
				r.shutdown(ctx)
				return nil
			}

		case !errors.Is(err, errRestart):
			r.shutdown(ctx)
			return fmt.Errorf("inference stream failed: %w", err)
		}

		if err := r.restart(ctx); err != nil {
			r.shutdown(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to restart camera: %w", err)
		}
	}
}

// start runs the first session setup: login, artifact push, preview, reported state,
// analytics, overlay and the inference stream
func (r *Relay) start(ctx context.Context) error {
	session, err := r.dialer.Connect(ctx, r.config.Credentials)
	if err != nil {
		return fmt.Errorf("failed to connect to camera: %w", err)
	}
	r.session = session

	if r.config.PushModel && r.pusher != nil {
		n, err := r.pusher.Transfer(r.config.ModelDir)
		if err != nil {
			return fmt.Errorf("failed to push model: %w", err)
		}
		r.log.Infof("Pushed %d artifacts to %s", n, r.config.ModelDir)
	}

	if err := session.ConfigurePreview(ctx, r.config.Preview); err != nil {
		return err
	}
	if err := session.SetPreviewState(ctx, true); err != nil {
		return err
	}

	rtspAddr := session.PreviewURL()
	r.log.Infof("RTSP stream is :: %s", rtspAddr)
	r.reportStreamAddress(rtspAddr)

	return r.enableAnalytics(ctx)
}

// enableAnalytics turns on analytics and the inference overlay and opens the stream
func (r *Relay) enableAnalytics(ctx context.Context) error {
	if err := r.session.SetAnalyticsState(ctx, true); err != nil {
		return err
	}
	r.log.Infof("Analytics stream is :: %s", r.session.AnalyticsURL())

	if err := r.session.ConfigureOverlay(ctx, camera.OverlayInference); err != nil {
		return err
	}
	if err := r.session.SetOverlayState(ctx, true); err != nil {
		return err
	}

	stream, err := r.session.Inferences(ctx)
	if err != nil {
		return err
	}
	r.stream = stream
	return nil
}

// restart tears the current session down and builds a new one with the default credentials
func (r *Relay) restart(ctx context.Context) error {
	r.log.Info("Restarting camera session")

	// tearing down
	r.closeStream()
	if err := r.session.SetPreviewState(ctx, false); err != nil {
		return err
	}
	if err := r.session.Logout(ctx); err != nil {
		return err
	}
	r.session = nil

	if r.config.RestartDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.config.RestartDelay):
		}
	}

	// reconfiguring
	session, err := r.dialer.Connect(ctx, camera.Credentials{
		Address:  r.config.Credentials.Address,
		Username: camera.DefaultUsername,
		Password: camera.DefaultPassword,
	})
	if err != nil {
		return fmt.Errorf("failed to reconnect to camera: %w", err)
	}
	r.session = session

	if err := session.SetPreviewState(ctx, true); err != nil {
		return err
	}
	if err := r.enableAnalytics(ctx); err != nil {
		return err
	}

	r.log.Info("Camera session restarted")
	return nil
}

// relayStream forwards results until the stream fails or a restart is requested
func (r *Relay) relayStream(ctx context.Context) error {
	for {
		if r.state.TakeRestart() {
			return errRestart
		}

		result, err := r.stream.Next()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := r.relayResult(result); err != nil {
			return err
		}
	}
}

// relayResult sends one message per detected object. It stops early with errRestart
// when a restart is requested between two detections.
func (r *Relay) relayResult(result *models.InferenceResult) error {
	if result == nil || len(result.Objects) == 0 {
		r.log.Debug("No results")
		return nil
	}

	if result.Timestamp != 0 {
		r.log.Debugf("timestamp=%d", result.Timestamp)
	} else {
		r.log.Debug("timestamp=None")
	}

	for _, object := range result.Objects {
		if r.state.TakeRestart() {
			return errRestart
		}

		r.log.WithFields(logrus.Fields{
			"id":         object.ID,
			"label":      object.Label,
			"confidence": object.Confidence,
			"position": fmt.Sprintf("(%v,%v,%v,%v)",
				object.Position.X, object.Position.Y, object.Position.Width, object.Position.Height),
		}).Debug("Detected object")

		if err := r.sender.SendMessage(r.config.Output, []byte(FormatDetection(object))); err != nil {
			r.log.Debugf("Exception in SendMessage: %v", err)
		}
	}
	return nil
}

// waitForRestart blocks until a restart is requested (true) or ctx is done (false)
func (r *Relay) waitForRestart(ctx context.Context) bool {
	ticker := time.NewTicker(r.config.IdlePoll)
	defer ticker.Stop()

	for {
		if r.state.TakeRestart() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// shutdown turns the camera off in a fixed order: stream, overlay, analytics,
// preview, session. Failures are logged and the remaining steps still run.
func (r *Relay) shutdown(ctx context.Context) {
	r.closeStream()
	if r.session == nil {
		return
	}

	r.log.Info("Turning everything off and logging out")
	ctx = context.WithoutCancel(ctx)

	if err := r.session.SetOverlayState(ctx, false); err != nil {
		r.log.Warnf("Failed to turn overlay off: %v", err)
	}
	if err := r.session.SetAnalyticsState(ctx, false); err != nil {
		r.log.Warnf("Failed to turn analytics off: %v", err)
	}
	if err := r.session.SetPreviewState(ctx, false); err != nil {
		r.log.Warnf("Failed to turn preview off: %v", err)
	}
	if err := r.session.Logout(ctx); err != nil {
		r.log.Warnf("Failed to log out: %v", err)
	}
	r.session = nil
}

func (r *Relay) closeStream() {
	if r.stream == nil {
		return
	}
	if err := r.stream.Close(); err != nil {
		r.log.Debugf("Failed to close inference stream: %v", err)
	}
	r.stream = nil
}

func (r *Relay) reportStreamAddress(rtspAddr string) {
	if r.reporter == nil {
		return
	}
	payload, err := json.Marshal(models.ReportedState{RTSPAddr: rtspAddr})
	if err != nil {
		r.log.Warnf("Failed to encode reported state: %v", err)
		return
	}
	if err := r.reporter.ReportState(payload); err != nil {
		r.log.Warnf("Failed to report stream address: %v", err)
	}
}

// FormatDetection renders the telemetry line for a detected object
func FormatDetection(object models.DetectedObject) string {
	return "I see " + object.Label + " with confidence :: " + formatConfidence(object.Confidence)
}

// formatConfidence prints the shortest representation the way the hub consumers
// expect: one decimal for whole numbers (1 -> "1.0") and exponent form below 1e-4
// or from 1e16 up (0.00001 -> "1e-05")
func formatConfidence(c float64) string {
	if abs := math.Abs(c); abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(c, 'g', -1, 64)
	}
	text := strconv.FormatFloat(c, 'f', -1, 64)
	if c == math.Trunc(c) && !math.IsInf(c, 0) {
		text += ".0"
	}
	return text
}
