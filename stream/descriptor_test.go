package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptor_Same(t *testing.T) {
	a := Descriptor{Name: "EI_Stream", SourceID: "fsl-mrs-01"}
	b := Descriptor{Name: "EI_Stream", SourceID: "fsl-mrs-01", Type: "EI_metric"}
	c := Descriptor{Name: "EI_Stream", SourceID: "fsl-mrs-02"}

	assert.True(t, a.Same(b), "identity is (name, source_id) only")
	assert.False(t, a.Same(c))
}

func TestDescriptor_Subjects(t *testing.T) {
	d := Descriptor{Name: "MRS Voxel.Stream"}
	assert.Equal(t, "streams.data.MRS_Voxel_Stream", d.DataSubject())
	assert.Equal(t, "streams.announce.MRS_Voxel_Stream", d.AnnounceSubject())
}

func TestFilter_Matches(t *testing.T) {
	d := Descriptor{Name: "EI_Stream", Type: "EI_metric", SourceID: "fsl-mrs-01"}

	tests := []struct {
		name    string
		filter  Filter
		matches bool
	}{
		{"empty filter matches all", Filter{}, true},
		{"name match", Filter{Name: "EI_Stream"}, true},
		{"name mismatch", Filter{Name: "Task_Stream"}, false},
		{"type match", Filter{Type: "EI_metric"}, true},
		{"type mismatch", Filter{Type: "Markers"}, false},
		{"source match", Filter{SourceID: "fsl-mrs-01"}, true},
		{"source mismatch", Filter{SourceID: "other"}, false},
		{"all fields", Filter{Name: "EI_Stream", Type: "EI_metric", SourceID: "fsl-mrs-01"}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.matches, tc.filter.Matches(d))
		})
	}
}

func TestSample_JSONRoundTrip(t *testing.T) {
	t.Run("scalar", func(t *testing.T) {
		original := Sample{Timestamp: 1724932800.125, Payload: Scalar(0.82)}

		data, err := json.Marshal(original)
		require.NoError(t, err)

		var decoded Sample
		require.NoError(t, json.Unmarshal(data, &decoded))

		assert.Equal(t, original.Timestamp, decoded.Timestamp)
		v, ok := decoded.Payload.ScalarValue()
		require.True(t, ok)
		assert.Equal(t, 0.82, v)
	})

	t.Run("structured", func(t *testing.T) {
		original := Sample{
			Timestamp: 1724932800.5,
			Payload: Structured(map[string]any{
				"event_type": "tap",
				"finger":     "index",
			}),
		}

		data, err := json.Marshal(original)
		require.NoError(t, err)

		var decoded Sample
		require.NoError(t, json.Unmarshal(data, &decoded))

		m, ok := decoded.Payload.StructuredValue()
		require.True(t, ok)
		assert.Equal(t, "tap", m["event_type"])
	})

	t.Run("zero scalar survives", func(t *testing.T) {
		data, err := json.Marshal(Sample{Timestamp: 1, Payload: Scalar(0)})
		require.NoError(t, err)

		var decoded Sample
		require.NoError(t, json.Unmarshal(data, &decoded))

		_, ok := decoded.Payload.ScalarValue()
		assert.True(t, ok)
	})

	t.Run("missing payload rejected", func(t *testing.T) {
		var decoded Sample
		assert.Error(t, json.Unmarshal([]byte(`{"timestamp": 1}`), &decoded))
	})
}

func TestPayload_Encode(t *testing.T) {
	assert.Equal(t, "0.82", Scalar(0.82).Encode())
	assert.Equal(t, "0", Scalar(0).Encode())
	assert.Equal(t, `{"a":1}`, Structured(map[string]any{"a": 1}).Encode())
}
