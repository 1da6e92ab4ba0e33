package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePortSpecAccepts(t *testing.T) {
	cases := []struct {
		spec string
		want []PortRange
	}{
		{"80", []PortRange{{Low: 80, High: 80}}},
		{"80-90", []PortRange{{Low: 80, High: 90}}},
		{"80,443", []PortRange{{Low: 80, High: 80}, {Low: 443, High: 443}}},
		{"80,8000-8010", []PortRange{{Low: 80, High: 80}, {Low: 8000, High: 8010}}},
	}
	for _, c := range cases {
		got, err := ParsePortSpec(c.spec)
		require.NoError(t, err, c.spec)
		assert.Equal(t, c.want, got, c.spec)
	}
}

func TestParsePortSpecRejects(t *testing.T) {
	for _, spec := range []string{"", "80-", "-80", "90-80", "0", "65536"} {
		_, err := ParsePortSpec(spec)
		assert.Error(t, err, spec)
	}
}

func TestPortsUnmarshalsFromObjectArray(t *testing.T) {
	var p Ports
	require.NoError(t, json.Unmarshal([]byte(`[{"Low":80,"High":90}]`), &p))
	assert.Equal(t, Ports{{Low: 80, High: 90}}, p)
}

func TestPortsUnmarshalsFromStringSpec(t *testing.T) {
	var p Ports
	require.NoError(t, json.Unmarshal([]byte(`"80,8000-8010"`), &p))
	assert.Equal(t, Ports{{Low: 80, High: 80}, {Low: 8000, High: 8010}}, p)
}

func TestPortsUnmarshalRejectsMalformedStringSpec(t *testing.T) {
	var p Ports
	assert.Error(t, json.Unmarshal([]byte(`"80-"`), &p))
}

func TestPortsMarshalAlwaysProducesObjectArray(t *testing.T) {
	p := Ports{{Low: 80, High: 80}}
	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"Low":80,"High":80}]`, string(out))
}
