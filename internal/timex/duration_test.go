package timex

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "string value", input: `"5m"`, want: 5 * time.Minute},
		{name: "string with seconds", input: `"1h30m10s"`, want: time.Hour + 30*time.Minute + 10*time.Second},
		{name: "integer nanoseconds", input: `60000000000`, want: time.Minute},
		{name: "invalid string", input: `"banana"`, wantErr: true},
		{name: "invalid type", input: `{"a":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration)
		})
	}
}

func TestDurationMarshalJSON(t *testing.T) {
	d := Duration{Duration: 90 * time.Second}
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(b))
}

func TestDurationRoundTrip(t *testing.T) {
	type holder struct {
		Interval Duration `json:"interval"`
	}

	in := holder{Interval: Duration{Duration: 5 * time.Minute}}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out holder
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in.Interval.Duration, out.Interval.Duration)
}
