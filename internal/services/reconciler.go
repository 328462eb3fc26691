package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"vision-edge/internal/logger"
	"vision-edge/internal/models"
	"vision-edge/internal/state"
)

// Fetcher downloads an artifact by URL, replacing the local copy
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Reconciler applies device twin documents to the shared state. URL properties are
// downloaded and a successful download asks the relay to restart the camera session.
type Reconciler struct {
	state   *state.State
	fetcher Fetcher
	log     *logrus.Entry

	// Input channel (written by the MQTT subscriber)
	TwinChan chan *models.TwinUpdate
}

// NewReconciler creates a reconciler reading twin documents from twinChan
func NewReconciler(st *state.State, fetcher Fetcher, twinChan chan *models.TwinUpdate) *Reconciler {
	return &Reconciler{
		state:    st,
		fetcher:  fetcher,
		log:      logger.Component("reconciler"),
		TwinChan: twinChan,
	}
}

// Start applies twin updates until the context is cancelled or the channel is closed
func (r *Reconciler) Start(ctx context.Context) {
	r.log.Info("Starting...")

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Shutting down...")
			return

		case update, ok := <-r.TwinChan:
			if !ok {
				r.log.Info("Twin channel closed, shutting down...")
				return
			}

			r.log.WithFields(logrus.Fields{
				"source":      update.Source,
				"received_at": update.ReceivedAt,
			}).Debugf("Twin callback called with payload: %s", update.Payload)
			r.OnConfigUpdate(ctx, update.Payload)
		}
	}
}

// OnConfigUpdate applies one twin document. Nested "desired" values and flat values are
// both accepted; when a property appears in both, the flat value wins.
func (r *Reconciler) OnConfigUpdate(ctx context.Context, payload []byte) {
	patch, err := models.DecodeTwinPatch(payload)
	if err != nil {
		r.log.Errorf("Skipping twin update: %v", err)
		return
	}
	for _, problem := range patch.Problems {
		r.log.Warnf("Ignoring twin property: %v", problem)
	}

	desired := patch.Effective()

	r.applyURL(ctx, models.FieldModelURL, desired.ModelURL)
	r.applyURL(ctx, models.FieldLabelURL, desired.LabelURL)
	r.applyURL(ctx, models.FieldConfigURL, desired.ConfigURL)

	if desired.FreqToSendMsg != nil {
		r.state.SetFreqToSendMsg(*desired.FreqToSendMsg)
		r.log.Infof("Setting %s to %d", models.FieldFreqToSendMsg, *desired.FreqToSendMsg)
	}

	if desired.ObjectOfInterest != nil {
		r.state.SetObjectOfInterest(*desired.ObjectOfInterest)
		r.log.Infof("Setting %s to %q", models.FieldObjectOfInterest, *desired.ObjectOfInterest)
	}
}

// applyURL stores the value and downloads it when it is not empty
func (r *Reconciler) applyURL(ctx context.Context, field string, value *string) {
	if value == nil {
		return
	}

	if !r.state.SetURL(field, *value) {
		r.log.Errorf("Unknown URL property %s, ignoring %q", field, *value)
		return
	}
	if *value == "" {
		r.log.Debugf("%s is empty, nothing to download", field)
		return
	}

	entry := r.log.WithFields(logrus.Fields{"field": field, "url": *value})
	entry.Info("Setting value")

	path, err := r.fetcher.Fetch(ctx, *value)
	if err != nil {
		entry.Warnf("Download failed, camera is not restarted: %v", err)
		return
	}

	entry.WithField("path", path).Info("Download complete, camera restart requested")
	r.state.RequestRestart()
}
