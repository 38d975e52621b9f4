package rfcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// padded returns a protocol's pulse length table padded with zeros to the
// eight fields the firmware reports
func padded(t *testing.T, c Codec, protocol string) []int {
	t.Helper()
	lengths, err := c.PulseLengths(protocol)
	require.NoError(t, err)
	for len(lengths) < 8 {
		lengths = append(lengths, 0)
	}
	return lengths
}

func TestCodec_Protocols(t *testing.T) {
	c := NewCodec()
	assert.Equal(t, []string{"pir1", "switch1", "switch2"}, c.Protocols())
}

func TestCodec_PulseLengthsUnknownProtocol(t *testing.T) {
	c := NewCodec()
	_, err := c.PulseLengths("switch99")
	assert.Error(t, err)
}

func TestCodec_EncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
		values   map[string]any
	}{
		{
			name:     "switch1 on",
			protocol: "switch1",
			values:   map[string]any{"id": 12345678, "all": false, "state": true, "unit": 5},
		},
		{
			name:     "switch1 group off",
			protocol: "switch1",
			values:   map[string]any{"id": 1, "all": true, "state": false, "unit": 0},
		},
		{
			name:     "switch2",
			protocol: "switch2",
			values:   map[string]any{"houseCode": 21, "unitCode": 9, "state": true},
		},
	}

	c := NewCodec()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sequence, err := c.Encode(tt.protocol, tt.values)
			require.NoError(t, err)

			matches := c.Decode(padded(t, c, tt.protocol), sequence)
			require.Len(t, matches, 1)
			assert.Equal(t, tt.protocol, matches[0].Protocol)
			assert.Equal(t, tt.values, matches[0].Values)
		})
	}
}

func TestCodec_DecodePIR(t *testing.T) {
	c := NewCodec()

	sequence, err := c.Encode("pir1", map[string]any{"id": 8710, "unit": 0})
	require.NoError(t, err)

	matches := c.Decode(padded(t, c, "pir1"), sequence)
	require.Len(t, matches, 1)
	assert.Equal(t, "pir1", matches[0].Protocol)
	assert.Equal(t, map[string]any{"id": 8710, "unit": 0, "presence": true}, matches[0].Values)
}

// The firmware reports pulse lengths in detection order; the codec must
// normalize them to the canonical ascending table and remap the sequence
// digits through the same permutation.
func TestCodec_DecodeShuffledPulseLengths(t *testing.T) {
	c := NewCodec()
	values := map[string]any{"id": 99, "all": false, "state": true, "unit": 2}

	canonical, err := c.Encode("switch1", values)
	require.NoError(t, err)

	// Canonical table [268 1282 2632 10168] presented as [1282 268 10168 2632]
	shuffled := []byte(canonical)
	for i, d := range shuffled {
		switch d {
		case '0':
			shuffled[i] = '1'
		case '1':
			shuffled[i] = '0'
		case '2':
			shuffled[i] = '3'
		case '3':
			shuffled[i] = '2'
		}
	}

	matches := c.Decode([]int{1282, 268, 10168, 2632, 0, 0, 0, 0}, string(shuffled))
	require.Len(t, matches, 1)
	assert.Equal(t, "switch1", matches[0].Protocol)
	assert.Equal(t, values, matches[0].Values)
}

func TestCodec_DecodeWithinTolerance(t *testing.T) {
	c := NewCodec()

	sequence, err := c.Encode("switch1", map[string]any{"id": 7, "all": false, "state": false, "unit": 1})
	require.NoError(t, err)

	// Received timings jitter around the canonical table
	matches := c.Decode([]int{300, 1200, 2500, 10500, 0, 0, 0, 0}, sequence)
	require.Len(t, matches, 1)
	assert.Equal(t, "switch1", matches[0].Protocol)
}

func TestCodec_DecodeOutsideTolerance(t *testing.T) {
	c := NewCodec()

	sequence, err := c.Encode("switch1", map[string]any{"id": 7, "all": false, "state": false, "unit": 1})
	require.NoError(t, err)

	matches := c.Decode([]int{600, 1282, 2632, 10168, 0, 0, 0, 0}, sequence)
	assert.Empty(t, matches)
}

func TestCodec_DecodeGarbage(t *testing.T) {
	c := NewCodec()

	assert.Empty(t, c.Decode([]int{0, 0, 0, 0, 0, 0, 0, 0}, "0102"))
	assert.Empty(t, c.Decode([]int{268, 1282, 2632, 10168, 0, 0, 0, 0}, "09"))
	assert.Empty(t, c.Decode([]int{268, 1282, 2632, 10168, 0, 0, 0, 0}, "02xx03"))
}

func TestCodec_EncodeErrors(t *testing.T) {
	c := NewCodec()

	_, err := c.Encode("switch99", map[string]any{})
	assert.Error(t, err)

	// Missing field
	_, err = c.Encode("switch1", map[string]any{"id": 1})
	assert.Error(t, err)

	// Value out of range for the field width
	_, err = c.Encode("switch1", map[string]any{"id": 1 << 30, "unit": 0})
	assert.Error(t, err)
}

// JSON unmarshalling delivers numbers as float64; Encode must accept them
func TestCodec_EncodeAcceptsJSONNumbers(t *testing.T) {
	c := NewCodec()

	sequence, err := c.Encode("switch2", map[string]any{
		"houseCode": float64(12),
		"unitCode":  float64(3),
		"state":     true,
	})
	require.NoError(t, err)

	matches := c.Decode(padded(t, c, "switch2"), sequence)
	require.Len(t, matches, 1)
	assert.Equal(t, map[string]any{"houseCode": 12, "unitCode": 3, "state": true}, matches[0].Values)
}

func TestNaturalLess(t *testing.T) {
	assert.True(t, naturalLess("switch2", "switch10"))
	assert.False(t, naturalLess("switch10", "switch2"))
	assert.True(t, naturalLess("pir1", "switch1"))
	assert.True(t, naturalLess("switch1", "switch1a"))
	assert.False(t, naturalLess("switch1", "switch1"))
}
