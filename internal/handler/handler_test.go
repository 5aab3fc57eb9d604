package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/metrics"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recipientID = "991825827"

type fakeBroker struct {
	overviews   map[string]*models.FileOverview
	details     map[string]*models.FileOverview
	payloads    map[string][]byte
	overviewErr error
	downloadErr []error
	confirmErr  error
	downloads   int
	confirmed   []string
}

func (f *fakeBroker) FileOverview(_ context.Context, id string) (*models.FileOverview, error) {
	if f.overviewErr != nil {
		return nil, f.overviewErr
	}
	o, ok := f.overviews[id]
	if !ok {
		return nil, models.NewNonRetryableError("status_404", errors.New("not found"))
	}
	return o, nil
}

func (f *fakeBroker) FileDetails(_ context.Context, id string) (*models.FileOverview, error) {
	o, ok := f.details[id]
	if !ok {
		return nil, models.NewNonRetryableError("status_404", errors.New("not found"))
	}
	return o, nil
}

func (f *fakeBroker) Download(_ context.Context, id string) ([]byte, error) {
	f.downloads++
	if len(f.downloadErr) > 0 {
		err := f.downloadErr[0]
		f.downloadErr = f.downloadErr[1:]
		return nil, err
	}
	return f.payloads[id], nil
}

func (f *fakeBroker) ConfirmDownload(_ context.Context, id string) error {
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmed = append(f.confirmed, id)
	return nil
}

type fakeTransit struct {
	existing map[string]bool
	prepared []*models.EnrichedEvent
	started  []*models.EnrichedEvent
	payloads map[string][]byte
	startErr error
}

func (f *fakeTransit) FileExists(_ context.Context, id string) (bool, error) {
	return f.existing[id], nil
}

func (f *fakeTransit) PrepareForFileTransfer(_ context.Context, ev *models.EnrichedEvent) error {
	f.prepared = append(f.prepared, ev)
	return nil
}

func (f *fakeTransit) StartTransfer(ctx context.Context, ev *models.EnrichedEvent, payload []byte, onSuccess func(ctx context.Context) error) error {
	if f.startErr != nil {
		return f.startErr
	}
	if err := onSuccess(ctx); err != nil {
		return err
	}
	if f.payloads == nil {
		f.payloads = map[string][]byte{}
	}
	f.payloads[ev.Overview.FileTransferID] = payload
	f.started = append(f.started, ev)
	return nil
}

type fakeIdempotency struct {
	status map[string]string
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{status: map[string]string{}}
}

func (f *fakeIdempotency) CheckAndMark(_ context.Context, id string) (bool, error) {
	if f.status[id] == "success" {
		return true, nil
	}
	f.status[id] = "processing"
	return false, nil
}

func (f *fakeIdempotency) MarkSuccess(_ context.Context, id string) error {
	f.status[id] = "success"
	return nil
}

func (f *fakeIdempotency) MarkFailed(_ context.Context, id string, _ string) error {
	f.status[id] = "failed"
	return nil
}

type fixture struct {
	handler     *Handler
	broker      *fakeBroker
	transit     *fakeTransit
	idempotency *fakeIdempotency
	metrics     *metrics.Metrics
}

func newFixture() *fixture {
	b := &fakeBroker{
		overviews: map[string]*models.FileOverview{},
		details:   map[string]*models.FileOverview{},
		payloads:  map[string][]byte{},
	}
	tr := &fakeTransit{existing: map[string]bool{}}
	idem := newFakeIdempotency()
	m := metrics.NewMetrics("altinn_proxy", "test")

	return &fixture{
		handler: &Handler{
			Broker:       b,
			Transit:      tr,
			Idempotency:  idem,
			Retry:        &retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxAttempts: 3},
			Metrics:      m,
			Logger:       logging.Discard(),
			RecipientID:  recipientID,
			SelfEndpoint: "https://proxy.example.no/",
		},
		broker:      b,
		transit:     tr,
		idempotency: idem,
		metrics:     m,
	}
}

func overview(id string, status models.FileStatus) *models.FileOverview {
	return &models.FileOverview{
		FileTransferID: id,
		ResourceID:     "kv-resource",
		FileName:       "melding.xml",
		Status:         status,
		Sender:         "0192:910000001",
		Created:        time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		Recipients:     []models.Recipient{{Recipient: "0192:" + recipientID}},
	}
}

func event(id string, t models.EventType, resourceInstance string) *models.CloudEvent {
	return &models.CloudEvent{
		ID:               id,
		SpecVersion:      "1.0",
		Type:             t,
		Resource:         "urn:altinn:resource:kv-resource",
		ResourceInstance: resourceInstance,
		Source:           "https://platform.tt02.altinn.no/broker/api/v1/filetransfer",
	}
}

func handledCount(t *testing.T, m *metrics.Metrics, typ models.EventType, outcome string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "altinn_proxy_events_handled_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range metric.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["type"] == string(typ) && labels["outcome"] == outcome {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// tryHandle returns the handling error seen by onFailure, or nil on success
func tryHandle(t *testing.T, h *Handler, ev *models.CloudEvent) error {
	t.Helper()
	var handled error
	succeeded := false
	err := h.TryHandle(context.Background(), ev,
		func(context.Context) error {
			succeeded = true
			return nil
		},
		func(_ context.Context, err error) error {
			handled = err
			return err
		},
	)
	if err == nil {
		require.True(t, succeeded, "onSuccess was not called")
	}
	assert.Equal(t, handled, err)
	return err
}

func TestTryHandle_Published(t *testing.T) {
	f := newFixture()
	f.broker.overviews["ft-1"] = overview("ft-1", models.FileStatusPublished)
	f.broker.payloads["ft-1"] = []byte("<melding/>")

	require.NoError(t, tryHandle(t, f.handler, event("evt-1", models.EventTypePublished, "ft-1")))

	require.Len(t, f.transit.started, 1)
	assert.Equal(t, "evt-1", f.transit.started[0].Event.ID)
	assert.Equal(t, []byte("<melding/>"), f.transit.payloads["ft-1"])
	assert.Equal(t, []string{"ft-1"}, f.broker.confirmed)
	assert.Equal(t, "success", f.idempotency.status["evt-1"])
	assert.Equal(t, 1.0, handledCount(t, f.metrics, models.EventTypePublished, "success"))
}

func TestTryHandle_PublishedSkips(t *testing.T) {
	notRecipient := overview("ft-1", models.FileStatusPublished)
	notRecipient.Recipients = []models.Recipient{{Recipient: "0192:111111111"}}

	testOperation := overview("ft-1", models.FileStatusPublished)
	testOperation.PropertyList = map[string]string{"operation": "test"}

	tests := []struct {
		name     string
		overview *models.FileOverview
		existing bool
	}{
		{name: "no longer published", overview: overview("ft-1", models.FileStatusAllConfirmedDownloaded)},
		{name: "not a recipient", overview: notRecipient},
		{name: "test operation", overview: testOperation},
		{name: "file already stored", overview: overview("ft-1", models.FileStatusPublished), existing: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.broker.overviews["ft-1"] = tt.overview
			f.transit.existing["ft-1"] = tt.existing

			require.NoError(t, tryHandle(t, f.handler, event("evt-1", models.EventTypePublished, "ft-1")))
			assert.Empty(t, f.transit.started)
			assert.Zero(t, f.broker.downloads)
			assert.Empty(t, f.broker.confirmed)
		})
	}
}

func TestTryHandle_DownloadRetried(t *testing.T) {
	f := newFixture()
	f.broker.overviews["ft-1"] = overview("ft-1", models.FileStatusPublished)
	f.broker.payloads["ft-1"] = []byte("data")
	f.broker.downloadErr = []error{models.NewRetryableError("status_503", errors.New("unavailable"))}

	require.NoError(t, tryHandle(t, f.handler, event("evt-1", models.EventTypePublished, "ft-1")))
	assert.Equal(t, 2, f.broker.downloads)
	assert.Len(t, f.transit.started, 1)
}

func TestTryHandle_ConfirmFailure(t *testing.T) {
	f := newFixture()
	f.broker.overviews["ft-1"] = overview("ft-1", models.FileStatusPublished)
	f.broker.confirmErr = models.NewNonRetryableError("status_400", errors.New("bad request"))

	err := tryHandle(t, f.handler, event("evt-1", models.EventTypePublished, "ft-1"))
	require.Error(t, err)
	assert.True(t, models.IsNonRetryable(err))
	assert.Empty(t, f.transit.started)
	assert.Equal(t, "failed", f.idempotency.status["evt-1"])
}

func TestTryHandle_AlreadyProcessed(t *testing.T) {
	f := newFixture()
	f.idempotency.status["evt-1"] = "success"

	require.NoError(t, tryHandle(t, f.handler, event("evt-1", models.EventTypePublished, "ft-1")))
	assert.Empty(t, f.transit.started)
	assert.Equal(t, 1.0, handledCount(t, f.metrics, models.EventTypePublished, "duplicate"))
}

func TestTryHandle_WarningIsNotAFailure(t *testing.T) {
	f := newFixture()
	f.broker.overviews["ft-1"] = overview("ft-1", models.FileStatusPublished)
	f.transit.startErr = models.NewWarningError("file with fileTransferId %s already exists", "ft-1")

	require.NoError(t, tryHandle(t, f.handler, event("evt-1", models.EventTypePublished, "ft-1")))
	assert.Equal(t, "success", f.idempotency.status["evt-1"])
}

func TestTryHandle_NeverConfirmed(t *testing.T) {
	f := newFixture()
	o := overview("ft-1", models.FileStatusNeverConfirmedDownloaded)
	f.broker.overviews["ft-1"] = o
	f.broker.payloads["ft-1"] = []byte("late")

	require.NoError(t, tryHandle(t, f.handler, event("evt-1", models.EventTypeNeverConfirmed, "ft-1")))
	assert.Len(t, f.transit.started, 1)

	o.Recipients = nil
	f.transit.started = nil
	require.NoError(t, tryHandle(t, f.handler, event("evt-2", models.EventTypeNeverConfirmed, "ft-1")))
	assert.Empty(t, f.transit.started)
}

func TestTryHandle_Initialized(t *testing.T) {
	finished := overview("ft-2", models.FileStatusAllConfirmedDownloaded)
	finished.StatusHistory = []models.StatusEvent{
		{Status: models.FileStatusInitialized},
		{Status: models.FileStatusPublished},
		{Status: models.FileStatusAllConfirmedDownloaded},
	}
	testOperation := overview("ft-3", models.FileStatusInitialized)
	testOperation.PropertyList = map[string]string{"operation": "test"}
	fresh := overview("ft-1", models.FileStatusInitialized)
	fresh.StatusHistory = []models.StatusEvent{{Status: models.FileStatusInitialized}}

	tests := []struct {
		name         string
		details      *models.FileOverview
		wantPrepared bool
	}{
		{name: "fresh transfer is prepared", details: fresh, wantPrepared: true},
		{name: "finished transfer is skipped", details: finished},
		{name: "test operation is skipped", details: testOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.broker.details[tt.details.FileTransferID] = tt.details

			require.NoError(t, tryHandle(t, f.handler, event("evt-1", models.EventTypeInitialized, tt.details.FileTransferID)))
			if tt.wantPrepared {
				require.Len(t, f.transit.prepared, 1)
				assert.Equal(t, tt.details.FileTransferID, f.transit.prepared[0].Overview.FileTransferID)
			} else {
				assert.Empty(t, f.transit.prepared)
			}
		})
	}
}

func TestTryHandle_LogOnlyTypes(t *testing.T) {
	for _, typ := range []models.EventType{
		models.EventTypeUploadProcessing,
		models.EventTypeDownloadConfirmed,
		models.EventTypeAllConfirmed,
		models.EventTypePurged,
	} {
		t.Run(string(typ), func(t *testing.T) {
			f := newFixture()
			require.NoError(t, tryHandle(t, f.handler, event("evt-1", typ, "ft-1")))
			assert.Zero(t, f.broker.downloads)
		})
	}
}

func TestTryHandle_Unhandled(t *testing.T) {
	for _, typ := range []models.EventType{
		models.EventTypeUploadFailed,
		models.EventTypeDeleted,
		models.EventType("no.altinn.broker.somethingnew"),
	} {
		t.Run(string(typ), func(t *testing.T) {
			f := newFixture()
			err := tryHandle(t, f.handler, event("evt-1", typ, "ft-1"))
			assert.ErrorIs(t, err, models.ErrUnhandledEventType)
		})
	}
}

func TestTryHandle_MissingResourceInstance(t *testing.T) {
	f := newFixture()
	err := tryHandle(t, f.handler, event("evt-1", models.EventTypePublished, ""))
	assert.True(t, models.IsNonRetryable(err))
}

func TestTryHandle_ValidateSubscription(t *testing.T) {
	senderData, _ := json.Marshal(map[string]string{"Role": "Sender"})

	tests := []struct {
		name          string
		source        string
		data          json.RawMessage
		wantValidated bool
	}{
		{name: "from the broker", source: "https://platform.tt02.altinn.no/events/api/v1/subscriptions/12", wantValidated: true},
		{name: "sent by the bridge endpoint", source: "https://proxy.example.no/webhooks/published"},
		{name: "sender role", source: "https://platform.tt02.altinn.no/events", data: senderData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			validated := 0
			f.handler.OnWebhookValidated = func() { validated++ }

			ev := &models.CloudEvent{
				ID:     "evt-v",
				Type:   models.EventTypeValidateSubscription,
				Source: tt.source,
				Data:   tt.data,
			}
			require.NoError(t, tryHandle(t, f.handler, ev))
			// Validation events skip the idempotency guard
			require.NoError(t, tryHandle(t, f.handler, ev))

			want := 0
			if tt.wantValidated {
				want = 2
			}
			assert.Equal(t, want, validated)
			assert.Empty(t, f.idempotency.status)
		})
	}
}
