package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"vision-edge/internal/models"
)

func TestNew_Defaults(t *testing.T) {
	snap := New().Snapshot()

	assert.Equal(t, 1, snap.FreqToSendMsg)
	assert.Equal(t, "ALL", snap.ObjectOfInterest)
	assert.Empty(t, snap.ModelURL)
	assert.Empty(t, snap.LabelURL)
	assert.Empty(t, snap.ConfigURL)
	assert.False(t, snap.RestartRequired)
}

func TestSetURL(t *testing.T) {
	s := New()

	assert.True(t, s.SetURL(models.FieldModelURL, "http://x/model.dlc"))
	assert.True(t, s.SetURL(models.FieldLabelURL, "http://x/labels.txt"))
	assert.True(t, s.SetURL(models.FieldConfigURL, "http://x/config.json"))
	assert.False(t, s.SetURL(models.FieldFreqToSendMsg, "3"))

	snap := s.Snapshot()
	assert.Equal(t, "http://x/model.dlc", snap.ModelURL)
	assert.Equal(t, "http://x/labels.txt", snap.LabelURL)
	assert.Equal(t, "http://x/config.json", snap.ConfigURL)
	assert.Equal(t, 1, snap.FreqToSendMsg)
}

func TestTakeRestart(t *testing.T) {
	s := New()
	assert.False(t, s.TakeRestart())

	s.RequestRestart()
	assert.True(t, s.RestartRequired())
	assert.True(t, s.TakeRestart())
	assert.False(t, s.RestartRequired())
	assert.False(t, s.TakeRestart())

	// a request arriving after a take is kept for the next check
	s.RequestRestart()
	assert.True(t, s.TakeRestart())
}

func TestTakeRestart_Concurrent(t *testing.T) {
	s := New()
	s.RequestRestart()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		taken int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TakeRestart() {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, taken)
}
