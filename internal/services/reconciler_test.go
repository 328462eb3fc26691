package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vision-edge/internal/models"
	"vision-edge/internal/state"
)

type fakeFetcher struct {
	mu      sync.Mutex
	fetched []string
	failing map[string]bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)
	if f.failing[url] {
		return "", errors.New("download failed with status: 404")
	}
	return "/tmp/artifacts/" + url, nil
}

func (f *fakeFetcher) Fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func newTestReconciler() (*Reconciler, *state.State, *fakeFetcher) {
	st := state.New()
	fetcher := &fakeFetcher{failing: make(map[string]bool)}
	return NewReconciler(st, fetcher, make(chan *models.TwinUpdate, 1)), st, fetcher
}

func TestOnConfigUpdate_NestedLabelURL(t *testing.T) {
	r, st, fetcher := newTestReconciler()

	r.OnConfigUpdate(context.Background(), []byte(`{"desired":{"LabelUrl":"http://x/labels.txt"}}`))

	snap := st.Snapshot()
	assert.Equal(t, "http://x/labels.txt", snap.LabelURL)
	assert.True(t, snap.RestartRequired)
	assert.Equal(t, []string{"http://x/labels.txt"}, fetcher.Fetched())
}

func TestOnConfigUpdate_FlatWinsOverNested(t *testing.T) {
	r, st, fetcher := newTestReconciler()

	r.OnConfigUpdate(context.Background(), []byte(`{
		"desired": {"ModelUrl": "http://x/old.dlc", "ObjectOfInterest": "car", "FreqToSendMsg": 2},
		"ModelUrl": "http://x/new.dlc",
		"ObjectOfInterest": "person",
		"FreqToSendMsg": 9
	}`))

	snap := st.Snapshot()
	assert.Equal(t, "http://x/new.dlc", snap.ModelURL)
	assert.Equal(t, "person", snap.ObjectOfInterest)
	assert.Equal(t, 9, snap.FreqToSendMsg)
	assert.Equal(t, []string{"http://x/new.dlc"}, fetcher.Fetched())
}

func TestOnConfigUpdate_EachURLFieldRequestsRestart(t *testing.T) {
	for _, field := range []string{models.FieldModelURL, models.FieldLabelURL, models.FieldConfigURL} {
		t.Run(field, func(t *testing.T) {
			r, st, _ := newTestReconciler()
			r.OnConfigUpdate(context.Background(), []byte(`{"`+field+`":"http://x/file"}`))
			assert.True(t, st.RestartRequired())
		})
	}
}

func TestOnConfigUpdate_EmptyOrAbsentURL(t *testing.T) {
	r, st, fetcher := newTestReconciler()

	r.OnConfigUpdate(context.Background(), []byte(`{"ModelUrl":"","desired":{"LabelUrl":""}}`))
	r.OnConfigUpdate(context.Background(), []byte(`{"ObjectOfInterest":"dog"}`))

	assert.False(t, st.RestartRequired())
	assert.Empty(t, fetcher.Fetched())

	// an already raised flag is left alone
	st.RequestRestart()
	r.OnConfigUpdate(context.Background(), []byte(`{"ConfigUrl":""}`))
	assert.True(t, st.RestartRequired())
}

func TestOnConfigUpdate_FailedDownload(t *testing.T) {
	r, st, fetcher := newTestReconciler()
	fetcher.failing["http://x/missing.dlc"] = true

	r.OnConfigUpdate(context.Background(), []byte(`{"ModelUrl":"http://x/missing.dlc"}`))

	snap := st.Snapshot()
	assert.Equal(t, "http://x/missing.dlc", snap.ModelURL)
	assert.False(t, snap.RestartRequired)
}

func TestOnConfigUpdate_FailedDownloadKeepsEarlierRequest(t *testing.T) {
	r, st, fetcher := newTestReconciler()
	fetcher.failing["http://x/labels.txt"] = true

	r.OnConfigUpdate(context.Background(), []byte(`{"ModelUrl":"http://x/model.dlc","LabelUrl":"http://x/labels.txt"}`))

	assert.True(t, st.RestartRequired())
	assert.Equal(t, []string{"http://x/model.dlc", "http://x/labels.txt"}, fetcher.Fetched())
}

func TestOnConfigUpdate_ScalarsNeverRestart(t *testing.T) {
	r, st, _ := newTestReconciler()

	r.OnConfigUpdate(context.Background(), []byte(`{"FreqToSendMsg": 5}`))
	snap := st.Snapshot()
	assert.Equal(t, 5, snap.FreqToSendMsg)
	assert.False(t, snap.RestartRequired)

	r.OnConfigUpdate(context.Background(), []byte(`{"desired":{"ObjectOfInterest":"person","FreqToSendMsg":3}}`))
	snap = st.Snapshot()
	assert.Equal(t, "person", snap.ObjectOfInterest)
	assert.Equal(t, 3, snap.FreqToSendMsg)
	assert.False(t, snap.RestartRequired)
}

func TestOnConfigUpdate_InvalidPayload(t *testing.T) {
	r, st, fetcher := newTestReconciler()

	r.OnConfigUpdate(context.Background(), []byte(`{"ModelUrl": "http://x/m.dlc"`))

	assert.Equal(t, state.New().Snapshot(), st.Snapshot())
	assert.Empty(t, fetcher.Fetched())
}

func TestOnConfigUpdate_InvalidFrequencyIgnored(t *testing.T) {
	r, st, _ := newTestReconciler()

	r.OnConfigUpdate(context.Background(), []byte(`{"FreqToSendMsg": 0, "ObjectOfInterest": "cat"}`))

	snap := st.Snapshot()
	assert.Equal(t, 1, snap.FreqToSendMsg)
	assert.Equal(t, "cat", snap.ObjectOfInterest)
}

func TestApplyURL_UnknownField(t *testing.T) {
	r, st, fetcher := newTestReconciler()
	value := "http://x/extra.bin"

	r.applyURL(context.Background(), "ExtraUrl", &value)

	assert.Empty(t, fetcher.Fetched())
	assert.False(t, st.RestartRequired())
	assert.Equal(t, state.New().Snapshot(), st.Snapshot())
}

func TestReconciler_Start(t *testing.T) {
	r, st, _ := newTestReconciler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	r.TwinChan <- &models.TwinUpdate{ReceivedAt: time.Now(), Source: "patch", Payload: []byte(`{"ConfigUrl":"http://x/c.json"}`)}

	require.Eventually(t, st.RestartRequired, time.Second, 10*time.Millisecond)
	assert.Equal(t, "http://x/c.json", st.Snapshot().ConfigURL)

	cancel()
	<-done
}
