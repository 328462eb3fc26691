// Package camera talks to the smart camera's local control API: login, preview,
// video analytics, overlay and the inference result stream.
package camera

import (
	"context"

	"vision-edge/internal/models"
)

// Default credentials of the camera's web server. Session restarts always use them.
const (
	DefaultUsername = "admin"
	DefaultPassword = "admin"
)

// OverlayInference overlays the frames with inference annotations
const OverlayInference = "inference"

// Credentials identify the camera and the account used to log in
type Credentials struct {
	Address  string
	Username string
	Password string
}

// PreviewConfig configures the preview stream served over RTSP and HDMI
type PreviewConfig struct {
	Resolution string
	Encoding   string
	Bitrate    string
	DisplayOut int
}

// DefaultPreviewConfig returns 1080P H.264 at 1.5Mbps with HDMI output enabled
func DefaultPreviewConfig() PreviewConfig {
	return PreviewConfig{
		Resolution: "1080P",
		Encoding:   "AVC/H.264",
		Bitrate:    "1.5Mbps",
		DisplayOut: 1,
	}
}

// Dialer opens authenticated sessions
type Dialer interface {
	Connect(ctx context.Context, creds Credentials) (Session, error)
}

// Session is a logged in connection to the camera. Only one should be open at a time.
type Session interface {
	ConfigurePreview(ctx context.Context, config PreviewConfig) error
	SetPreviewState(ctx context.Context, on bool) error
	SetAnalyticsState(ctx context.Context, on bool) error
	ConfigureOverlay(ctx context.Context, mode string) error
	SetOverlayState(ctx context.Context, on bool) error

	// PreviewURL is the RTSP address of the preview, known once preview is on
	PreviewURL() string
	// AnalyticsURL is the RTSP address of the analytics stream, known once analytics is on
	AnalyticsURL() string

	Inferences(ctx context.Context) (InferenceStream, error)
	Logout(ctx context.Context) error
}

// InferenceStream yields inference results until it ends with io.EOF or is closed
type InferenceStream interface {
	Next() (*models.InferenceResult, error)
	Close() error
}
