package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/effects"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/ledgertest"
	"github.com/warp/affiliate-ledger/notify"
)

func sampleAttribution() *ledger.Attribution {
	pct := ledger.Money(10)
	return &ledger.Attribution{
		ID: "att-1", SaleID: "sale-1", AffiliateID: "aff-1", ProductID: "p-1",
		SaleValue: ledger.Money(200), PercentUsed: &pct, CommissionValue: ledger.Money(20),
		Status: ledger.StatusPending,
	}
}

func TestEncode_KeyedByAffiliate(t *testing.T) {
	ev := notify.New(notify.AttributionCreated, "aff-1", ledgertest.Epoch, notify.AttributionPayloadOf(sampleAttribution()))

	msg, err := notify.Encode(ev)
	require.NoError(t, err)

	assert.Equal(t, []byte("aff-1"), msg.Key)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, []byte("attribution.created"), msg.Headers[0].Value)
	assert.True(t, msg.Time.Equal(ledgertest.Epoch))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "attribution.created", decoded["type"])
	payload := decoded["payload"].(map[string]any)
	assert.Equal(t, "20.00", payload["commission_value"])
	assert.Equal(t, "10", payload["percent_used"])
}

func TestAttributionPayload_FlatCommissionHasNullPercent(t *testing.T) {
	a := sampleAttribution()
	a.PercentUsed = nil

	raw, err := json.Marshal(notify.AttributionPayloadOf(a))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"percent_used":null`)
}

func TestLogSink_WritesEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := notify.LogSink{Logger: zerolog.New(&buf)}

	require.NoError(t, sink.Publish(context.Background(), notify.New(notify.ClickCredited, "aff-9", ledgertest.Epoch, nil)))
	assert.Contains(t, buf.String(), `"event":"click.credited"`)
	assert.Contains(t, buf.String(), `"affiliate_id":"aff-9"`)
}

type recordingSink struct{ events []notify.Event }

func (r *recordingSink) Publish(_ context.Context, ev notify.Event) error {
	r.events = append(r.events, ev)
	return nil
}

type refusing struct{}

func (refusing) Submit(string, func(context.Context) error) bool { return false }

func TestAsync_HandsOffToSubmitter(t *testing.T) {
	rec := &recordingSink{}
	async := notify.Async{Effects: effects.Inline{Logger: zerolog.Nop()}, Sink: rec}

	require.NoError(t, async.Publish(context.Background(), notify.New(notify.CommissionsReleased, "aff-1", ledgertest.Epoch, nil)))
	require.Len(t, rec.events, 1)

	dropped := notify.Async{Effects: refusing{}, Sink: rec}
	assert.ErrorIs(t, dropped.Publish(context.Background(), notify.Event{}), notify.ErrDropped)
}
