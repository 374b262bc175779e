package keeper

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	f, err := parseFrame([]byte(`{"type":"warning","data":{"message":"m"},"timestamp":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, "warning", f.Type)
	assert.JSONEq(t, `{"message":"m"}`, string(f.Data))

	_, err = parseFrame([]byte(`{"data":{}}`))
	assert.Error(t, err)
	_, err = parseFrame([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	want := time.UnixMilli(1700000000123)
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"millis", `1700000000123`, want},
		{"millis string", `"1700000000123"`, want},
		{"rfc3339", `"2023-11-14T22:13:20.123Z"`, want},
		{"empty", ``, time.Time{}},
		{"null", `null`, time.Time{}},
		{"garbage", `"yesterday"`, time.Time{}},
		{"object", `{}`, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTimestamp(json.RawMessage(tt.raw))
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}
}

func TestResponseData_ID(t *testing.T) {
	var r responseData
	require.NoError(t, json.Unmarshal([]byte(`{"requestId":"req-4","success":true}`), &r))
	assert.Equal(t, "req-4", r.id())

	r = responseData{}
	require.NoError(t, json.Unmarshal([]byte(`{"request_id":"req-5","requestId":"req-6","success":false,"error":"boom"}`), &r))
	assert.Equal(t, "req-5", r.id())
	require.NotNil(t, r.Error)
	assert.Equal(t, "boom", *r.Error)
}

func TestOutboundMessageShape(t *testing.T) {
	b, err := json.Marshal(&outboundMessage{Type: msgSubscribe, Data: &subscriptionData{EventTypes: []string{subscribeAll}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe","data":{"event_types":["all"]}}`, string(b))

	b, err = json.Marshal(&outboundMessage{Type: msgRequestSync, Data: &requestData{RequestID: "req-1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request_sync","data":{"request_id":"req-1"}}`, string(b))
}

func TestDecodeStatusResponse(t *testing.T) {
	st, err := decodeStatusResponse(json.RawMessage(`{"isRunning":true,"pcdHeight":7,"chainHeight":9,"blocksBehind":2,"lastSyncAt":null,"currentEpoch":4}`))
	require.NoError(t, err)
	assert.True(t, st.IsRunning)
	assert.Equal(t, uint64(2), st.BlocksBehind)
	assert.Nil(t, st.LastSyncAt)
	require.NotNil(t, st.CurrentEpoch)
	assert.Equal(t, uint64(4), *st.CurrentEpoch)

	st, err = decodeStatusResponse(json.RawMessage(`{"status":{"pcdHeight":11}}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), st.PcdHeight)

	_, err = decodeStatusResponse(json.RawMessage(`null`))
	assert.Error(t, err)
	_, err = decodeStatusResponse(json.RawMessage(`"running"`))
	assert.Error(t, err)
}

func TestDecodePayload(t *testing.T) {
	v, err := decodePayload(Event{Type: EventConnected, Data: json.RawMessage(`{"client_id":42}`)})
	require.NoError(t, err)
	assert.Equal(t, "42", v.(*ConnectedData).Session())

	v, err = decodePayload(Event{Type: EventSyncStarted, Data: json.RawMessage(`{"from_height":1}`)})
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = decodePayload(Event{Type: EventError, Data: json.RawMessage(`{"recoverable":"yes"}`)})
	assert.Error(t, err)
}

func TestObservers(t *testing.T) {
	var o observers[int]
	var got []int
	o.add(func(v int) { got = append(got, v) })
	remove := o.add(func(v int) { got = append(got, v*10) })
	o.add(func(v int) { got = append(got, v*100) })

	o.notify(1)
	remove()
	o.notify(2)
	assert.Equal(t, []int{1, 10, 100, 2, 200}, got)
}
