package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOrder(t *testing.T) {
	ordered := []Status{
		StatusUnknown,
		StatusPassed,
		StatusSkipped,
		StatusPending,
		StatusUndefined,
		StatusAmbiguous,
		StatusFailed,
	}
	for i := 1; i < len(ordered); i++ {
		assert.True(t, ordered[i].WorseThan(ordered[i-1]), "%s should rank above %s", ordered[i], ordered[i-1])
		assert.False(t, ordered[i-1].WorseThan(ordered[i]))
	}
}

func TestWorst(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{name: "none", statuses: nil, want: StatusUnknown},
		{name: "all passed", statuses: []Status{StatusPassed, StatusPassed}, want: StatusPassed},
		{name: "skipped beats passed", statuses: []Status{StatusPassed, StatusSkipped}, want: StatusSkipped},
		{name: "failed beats everything", statuses: []Status{StatusAmbiguous, StatusFailed, StatusUndefined}, want: StatusFailed},
		{name: "ambiguous beats undefined", statuses: []Status{StatusUndefined, StatusAmbiguous, StatusPending}, want: StatusAmbiguous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Worst(tt.statuses...))
		})
	}
}

func TestStatusText(t *testing.T) {
	data, err := json.Marshal(StatusAmbiguous)
	require.NoError(t, err)
	assert.Equal(t, `"AMBIGUOUS"`, string(data))

	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"pending"`), &s))
	assert.Equal(t, StatusPending, s)

	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &s))
	assert.Equal(t, "Status(42)", Status(42).String())
}

func TestShouldCauseFailure(t *testing.T) {
	tests := []struct {
		status  Status
		retried bool
		strict  bool
		want    bool
	}{
		{StatusPassed, false, true, false},
		{StatusSkipped, false, true, false},
		{StatusFailed, false, false, true},
		{StatusFailed, true, false, false},
		{StatusAmbiguous, false, false, true},
		{StatusUndefined, false, false, false},
		{StatusUndefined, false, true, true},
		{StatusPending, false, true, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldCauseFailure(tt.status, tt.retried, tt.strict),
			"status=%s retried=%v strict=%v", tt.status, tt.retried, tt.strict)
	}
}

func TestWorldAttach(t *testing.T) {
	type attached struct{ body, encoding, mediaType string }
	var got []attached
	w := NewWorld(map[string]any{"env": "dev"}, func(body, encoding, mediaType string) {
		got = append(got, attached{body, encoding, mediaType})
	})

	w.Attach([]byte("hello"), "text/plain")
	w.Attach([]byte{0xff, 0x00}, "application/octet-stream")
	w.Log("note")

	require.Len(t, got, 3)
	assert.Equal(t, attached{"hello", "IDENTITY", "text/plain"}, got[0])
	assert.Equal(t, "BASE64", got[1].encoding)
	assert.Equal(t, "/wA=", got[1].body)
	assert.Equal(t, "note", got[2].body)
	assert.Equal(t, "dev", w.Parameter("env"))

	var nilWorld *World
	assert.NotPanics(t, func() { nilWorld.Log("ignored") })
}
