package instance

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusText(t *testing.T) {
	for _, st := range []Status{StatusQueued, StatusRunning, StatusErrored, StatusTerminated, StatusComplete} {
		parsed, err := ParseStatus(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, parsed)
	}

	_, err := ParseStatus("paused")
	assert.Error(t, err)
	assert.Equal(t, "Status(42)", Status(42).String())

	_, err = Status(-1).MarshalText()
	assert.Error(t, err)
}

func TestStatusJSON(t *testing.T) {
	raw, err := json.Marshal(map[string]Status{"status": StatusTerminated})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"terminated"}`, string(raw))

	var out struct {
		Status Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"status":"complete"}`), &out))
	assert.Equal(t, StatusComplete, out.Status)
	assert.Error(t, json.Unmarshal([]byte(`{"status":"done"}`), &out))
}

func TestStatusTransitions(t *testing.T) {
	all := []Status{StatusQueued, StatusRunning, StatusErrored, StatusTerminated, StatusComplete}
	allowed := map[Status][]Status{
		StatusQueued:  {StatusRunning, StatusTerminated},
		StatusRunning: {StatusComplete, StatusErrored, StatusTerminated},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
		assert.Equal(t, len(allowed[from]) == 0, from.IsTerminal(), from.String())
	}
}
