package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"vision-edge/internal/logger"
	"vision-edge/internal/models"
)

// ErrStatus is returned when the camera answers a command with status false
var ErrStatus = errors.New("camera rejected the request")

// Control API endpoints
const (
	pathLogin         = "/login"
	pathLogout        = "/logout"
	pathVideo         = "/video"
	pathPreview       = "/preview"
	pathVAM           = "/vam"
	pathOverlayConfig = "/overlayconfig"
	pathOverlay       = "/overlay"
	pathInferences    = "/inferences"
)

// maxResultLine bounds a single inference result line
const maxResultLine = 1 << 20

// HTTPDialerConfig holds configuration for the camera control client
type HTTPDialerConfig struct {
	Port    int           // web server port on the camera
	Timeout time.Duration // per command, the inference stream is not bounded
}

// HTTPDialer connects to the camera's HTTP control API
type HTTPDialer struct {
	config HTTPDialerConfig
}

// NewHTTPDialer creates a dialer for the camera control API
func NewHTTPDialer(config HTTPDialerConfig) *HTTPDialer {
	if config.Port == 0 {
		config.Port = 1080
	}
	return &HTTPDialer{config: config}
}

type httpSession struct {
	baseURL string
	client  *http.Client // commands
	stream  *http.Client // inference stream, shares the cookie jar
	log     *logrus.Entry

	mu           sync.RWMutex
	previewURL   string
	analyticsURL string
}

type statusResponse struct {
	Status bool   `json:"status"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"userpwd"`
}

type switchRequest struct {
	SwitchStatus bool   `json:"switchStatus"`
	VAMConfig    string `json:"vamconfig,omitempty"`
}

type videoRequest struct {
	Resolution string `json:"resolution"`
	Encoding   string `json:"encode"`
	Bitrate    string `json:"bitrate"`
	DisplayOut int    `json:"displayOut"`
}

type overlayConfigRequest struct {
	Type string `json:"ov_type"`
}

// Connect logs in to the camera and returns the session
func (d *HTTPDialer) Connect(ctx context.Context, creds Credentials) (Session, error) {
	if creds.Address == "" {
		return nil, errors.New("camera address is missing")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	s := &httpSession{
		baseURL: "http://" + net.JoinHostPort(creds.Address, strconv.Itoa(d.config.Port)),
		client:  &http.Client{Jar: jar, Timeout: d.config.Timeout},
		stream:  &http.Client{Jar: jar},
		log:     logger.Component("camera").WithField("address", creds.Address),
	}

	if _, err := s.command(ctx, pathLogin, loginRequest{Username: creds.Username, Password: creds.Password}); err != nil {
		return nil, fmt.Errorf("failed to log in to camera: %w", err)
	}

	s.log.Info("Logged in to camera")
	return s, nil
}

func (s *httpSession) ConfigurePreview(ctx context.Context, config PreviewConfig) error {
	_, err := s.command(ctx, pathVideo, videoRequest{
		Resolution: config.Resolution,
		Encoding:   config.Encoding,
		Bitrate:    config.Bitrate,
		DisplayOut: config.DisplayOut,
	})
	if err != nil {
		return fmt.Errorf("failed to configure preview: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"resolution": config.Resolution,
		"encoding":   config.Encoding,
		"bitrate":    config.Bitrate,
	}).Debug("Preview configured")
	return nil
}

func (s *httpSession) SetPreviewState(ctx context.Context, on bool) error {
	resp, err := s.command(ctx, pathPreview, switchRequest{SwitchStatus: on})
	if err != nil {
		return fmt.Errorf("failed to switch preview %s: %w", onOff(on), err)
	}
	s.mu.Lock()
	if on {
		s.previewURL = resp.URL
	} else {
		s.previewURL = ""
	}
	s.mu.Unlock()
	s.log.Debugf("Preview %s", onOff(on))
	return nil
}

func (s *httpSession) SetAnalyticsState(ctx context.Context, on bool) error {
	resp, err := s.command(ctx, pathVAM, switchRequest{SwitchStatus: on, VAMConfig: "MD"})
	if err != nil {
		return fmt.Errorf("failed to switch analytics %s: %w", onOff(on), err)
	}
	s.mu.Lock()
	if on {
		s.analyticsURL = resp.URL
	} else {
		s.analyticsURL = ""
	}
	s.mu.Unlock()
	s.log.Debugf("Analytics %s", onOff(on))
	return nil
}

func (s *httpSession) ConfigureOverlay(ctx context.Context, mode string) error {
	if _, err := s.command(ctx, pathOverlayConfig, overlayConfigRequest{Type: mode}); err != nil {
		return fmt.Errorf("failed to configure overlay: %w", err)
	}
	s.log.Debugf("Overlay configured: %s", mode)
	return nil
}

func (s *httpSession) SetOverlayState(ctx context.Context, on bool) error {
	if _, err := s.command(ctx, pathOverlay, switchRequest{SwitchStatus: on}); err != nil {
		return fmt.Errorf("failed to switch overlay %s: %w", onOff(on), err)
	}
	s.log.Debugf("Overlay %s", onOff(on))
	return nil
}

func (s *httpSession) PreviewURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.previewURL
}

func (s *httpSession) AnalyticsURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.analyticsURL
}

func (s *httpSession) Logout(ctx context.Context) error {
	if _, err := s.command(ctx, pathLogout, struct{}{}); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	s.log.Info("Logged out of camera")
	return nil
}

// Inferences opens the newline-delimited JSON result stream. Cancelling ctx or
// closing the stream ends it.
func (s *httpSession) Inferences(ctx context.Context) (InferenceStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+pathInferences, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := s.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open inference stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("inference stream failed with status: %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResultLine)

	return &lineStream{body: resp.Body, scanner: scanner, log: s.log}, nil
}

// command posts a JSON request and checks the status flag of the answer
func (s *httpSession) command(ctx context.Context, path string, body interface{}) (*statusResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request %s failed with status: %d", path, resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	if !status.Status {
		if status.Error != "" {
			return nil, fmt.Errorf("%s: %w: %s", path, ErrStatus, status.Error)
		}
		return nil, fmt.Errorf("%s: %w", path, ErrStatus)
	}
	return &status, nil
}

type lineStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	log     *logrus.Entry

	closeOnce sync.Once
	closeErr  error
}

// Next returns the next result. Lines that do not decode are skipped.
func (ls *lineStream) Next() (*models.InferenceResult, error) {
	for ls.scanner.Scan() {
		line := bytes.TrimSpace(ls.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var result models.InferenceResult
		if err := json.Unmarshal(line, &result); err != nil {
			ls.log.Warnf("Skipping undecodable inference result: %v", err)
			continue
		}
		return &result, nil
	}
	if err := ls.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read inference stream: %w", err)
	}
	return nil, io.EOF
}

func (ls *lineStream) Close() error {
	ls.closeOnce.Do(func() {
		ls.closeErr = ls.body.Close()
	})
	return ls.closeErr
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
