package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionCookie = "ipc-session"

// fakeCamera records the commands it receives and checks the session cookie
type fakeCamera struct {
	mu       sync.Mutex
	calls    []string
	bodies   map[string]map[string]interface{}
	reject   map[string]bool
	password string
	results  string
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{
		bodies:   make(map[string]map[string]interface{}),
		reject:   make(map[string]bool),
		password: "admin",
	}
}

func (c *fakeCamera) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.calls = append(c.calls, r.URL.Path)
	c.mu.Unlock()

	if r.URL.Path != pathLogin {
		if _, err := r.Cookie(sessionCookie); err != nil {
			http.Error(w, "not logged in", http.StatusUnauthorized)
			return
		}
	}

	if r.URL.Path == pathInferences {
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, c.results)
		return
	}

	var body map[string]interface{}
	json.NewDecoder(r.Body).Decode(&body)
	c.mu.Lock()
	c.bodies[r.URL.Path] = body
	reject := c.reject[r.URL.Path]
	c.mu.Unlock()

	resp := map[string]interface{}{"status": !reject}
	switch r.URL.Path {
	case pathLogin:
		if body["userpwd"] != c.password {
			resp = map[string]interface{}{"status": false, "error": "bad credentials"}
			break
		}
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "1"})
	case pathPreview:
		resp["url"] = "rtsp://camera:8900/live"
	case pathVAM:
		resp["url"] = "rtsp://camera:8900/vam"
	}
	json.NewEncoder(w).Encode(resp)
}

func (c *fakeCamera) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func connectFake(t *testing.T, cam *fakeCamera, password string) (Session, error) {
	srv := httptest.NewServer(cam)
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	dialer := NewHTTPDialer(HTTPDialerConfig{Port: portNum})
	return dialer.Connect(context.Background(), Credentials{Address: host, Username: "admin", Password: password})
}

func TestHTTPSession_StartupSequence(t *testing.T) {
	cam := newFakeCamera()
	sess, err := connectFake(t, cam, "admin")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sess.ConfigurePreview(ctx, DefaultPreviewConfig()))
	require.NoError(t, sess.SetPreviewState(ctx, true))
	require.NoError(t, sess.SetAnalyticsState(ctx, true))
	require.NoError(t, sess.ConfigureOverlay(ctx, OverlayInference))
	require.NoError(t, sess.SetOverlayState(ctx, true))

	assert.Equal(t, "rtsp://camera:8900/live", sess.PreviewURL())
	assert.Equal(t, "rtsp://camera:8900/vam", sess.AnalyticsURL())

	require.NoError(t, sess.SetPreviewState(ctx, false))
	assert.Empty(t, sess.PreviewURL())
	require.NoError(t, sess.Logout(ctx))

	assert.Equal(t, []string{
		pathLogin, pathVideo, pathPreview, pathVAM, pathOverlayConfig, pathOverlay, pathPreview, pathLogout,
	}, cam.Calls())

	cam.mu.Lock()
	defer cam.mu.Unlock()
	assert.Equal(t, "1080P", cam.bodies[pathVideo]["resolution"])
	assert.Equal(t, "AVC/H.264", cam.bodies[pathVideo]["encode"])
	assert.Equal(t, "inference", cam.bodies[pathOverlayConfig]["ov_type"])
	assert.Equal(t, true, cam.bodies[pathOverlay]["switchStatus"])
}

func TestHTTPSession_LoginRejected(t *testing.T) {
	_, err := connectFake(t, newFakeCamera(), "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStatus))
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestHTTPSession_CommandRejected(t *testing.T) {
	cam := newFakeCamera()
	cam.reject[pathVAM] = true

	sess, err := connectFake(t, cam, "admin")
	require.NoError(t, err)

	err = sess.SetAnalyticsState(context.Background(), true)
	assert.ErrorIs(t, err, ErrStatus)
	assert.Empty(t, sess.AnalyticsURL())
}

func TestHTTPSession_Inferences(t *testing.T) {
	cam := newFakeCamera()
	cam.results = fmt.Sprintf("%s\n\nnot json\n%s\n",
		`{"timestamp":1530000000000,"objects":[{"id":"1","label":"person","confidence":0.92,"position":{"x":10,"y":20,"width":30,"height":40}}]}`,
		`{"timestamp":1530000000100,"objects":[]}`,
	)

	sess, err := connectFake(t, cam, "admin")
	require.NoError(t, err)

	stream, err := sess.Inferences(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	first, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1530000000000), first.Timestamp)
	require.Len(t, first.Objects, 1)
	assert.Equal(t, "person", first.Objects[0].Label)
	assert.Equal(t, 0.92, first.Objects[0].Confidence)
	assert.Equal(t, 40.0, first.Objects[0].Position.Height)

	second, err := stream.Next()
	require.NoError(t, err)
	assert.Empty(t, second.Objects)

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)

	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
}

func TestHTTPDialer_MissingAddress(t *testing.T) {
	_, err := NewHTTPDialer(HTTPDialerConfig{}).Connect(context.Background(), Credentials{})
	assert.Error(t, err)
}
