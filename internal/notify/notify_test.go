package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opd/queue-service/internal/models"
)

func sampleToken() models.Token {
	return models.Token{
		TokenID:              "t-1",
		TokenNumber:          "GEN-007",
		PatientID:            "p-1",
		DoctorID:             "doc-1",
		QueuePosition:        7,
		EstimatedWaitMinutes: 35,
		ScheduledTime:        time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC),
	}
}

func TestRender(t *testing.T) {
	got := Render(KindConfirmation, sampleToken(), nil)
	assert.Equal(t, "Token GEN-007 booked for 02 Mar 10:30. Queue position 7, estimated wait 35 min.", got)

	got = Render(KindReassignment, sampleToken(), map[string]any{"new_doctor": "Dr. Rao"})
	assert.Equal(t, "Token GEN-007 has been moved to Dr. Rao. New queue position 7.", got)
}

type countingProvider struct {
	calls    int32
	failures int32
}

func (p *countingProvider) Send(context.Context, string, string) error {
	n := atomic.AddInt32(&p.calls, 1)
	if n <= atomic.LoadInt32(&p.failures) {
		return assert.AnError
	}
	return nil
}

func TestDispatcherRetriesThenDelivers(t *testing.T) {
	provider := &countingProvider{failures: 2}
	var wg sync.WaitGroup
	wg.Add(1)
	var delivered error = assert.AnError
	d := NewDispatcher(provider, Options{OnDelivered: func(_ Message, err error) {
		delivered = err
		wg.Done()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = d.Run(ctx); close(done) }()

	d.Notify(KindReminder, sampleToken(), nil)
	wg.Wait()
	cancel()
	<-done

	assert.NoError(t, delivered)
	assert.Equal(t, int32(3), atomic.LoadInt32(&provider.calls))
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(NoopProvider{}, Options{QueueSize: 1, Logger: zerolog.Nop()})
	d.Notify(KindReminder, sampleToken(), nil)
	d.Notify(KindReminder, sampleToken(), nil)
	assert.Equal(t, int64(1), d.Dropped())
}

func TestDispatcherDrainsOnShutdown(t *testing.T) {
	var delivered int32
	d := NewDispatcher(NoopProvider{}, Options{OnDelivered: func(Message, error) { atomic.AddInt32(&delivered, 1) }})
	for i := 0; i < 5; i++ {
		d.Notify(KindConfirmation, sampleToken(), nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Equal(t, int32(5), atomic.LoadInt32(&delivered))

	d.Notify(KindConfirmation, sampleToken(), nil)
}

func TestWebhookProvider(t *testing.T) {
	var got map[string]string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewProvider("webhook", srv.URL, "secret", zerolog.Nop())
	require.NoError(t, p.Send(context.Background(), "hello", "p-1"))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "hello", got["message"])
	assert.Equal(t, "p-1", got["recipient"])
}

func TestWebhookProviderRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "", "", zerolog.Nop())
	require.Error(t, p.Send(context.Background(), "hello", "p-1"))
}

func TestNewProviderFallbacks(t *testing.T) {
	assert.IsType(t, LogProvider{}, NewProvider("", "", "", zerolog.Nop()))
	assert.IsType(t, LogProvider{}, NewProvider("webhook", "", "", zerolog.Nop()))
	assert.IsType(t, NoopProvider{}, NewProvider("noop", "", "", zerolog.Nop()))
	assert.IsType(t, FailProvider{}, NewProvider("fail", "", "", zerolog.Nop()))
}
