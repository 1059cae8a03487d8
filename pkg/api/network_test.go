package api_test

import (
	"testing"

	"github.com/fleetvm/fleetvm/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetworkOption(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    api.NetworkOption
		wantErr bool
	}{
		{
			name: "bare token is shorthand for name",
			spec: "mynet",
			want: api.NetworkOption{ID: "mynet", Mode: api.NetworkModeAuto},
		},
		{
			name: "fully populated",
			spec: "name=mynet,mode=manual,mac=52:54:00:12:34:56",
			want: api.NetworkOption{ID: "mynet", Mode: api.NetworkModeManual, MACAddress: "52:54:00:12:34:56"},
		},
		{
			name: "hyphen separated mac",
			spec: "name=mynet,mac=52-54-00-12-34-56",
			want: api.NetworkOption{ID: "mynet", Mode: api.NetworkModeAuto, MACAddress: "52-54-00-12-34-56"},
		},
		{
			name: "bridged sentinel",
			spec: "bridged",
			want: api.NetworkOption{ID: api.BridgedNetworkID, Mode: api.NetworkModeAuto},
		},
		{
			name: "mode key is case insensitive",
			spec: "name=mynet,MODE=Manual",
			want: api.NetworkOption{ID: "mynet", Mode: api.NetworkModeManual},
		},
		{name: "missing name", spec: "mode=manual", wantErr: true},
		{name: "duplicate name rejected", spec: "name=a,name=b", wantErr: true},
		{name: "duplicate mode rejected", spec: "name=a,mode=auto,mode=manual", wantErr: true},
		{name: "unknown key", spec: "name=mynet,speed=fast", wantErr: true},
		{name: "bad mode", spec: "name=mynet,mode=sometimes", wantErr: true},
		{name: "bad mac", spec: "name=mynet,mac=52:54:00", wantErr: true},
		{name: "mixed mac separators", spec: "name=mynet,mac=52:54-00:12:34:56", wantErr: true},
		{name: "dangling pair", spec: "name=mynet,mode=", wantErr: true},
		{name: "empty", spec: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := api.ParseNetworkOption(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidHostname(t *testing.T) {
	assert.True(t, api.ValidHostname("test1"))
	assert.True(t, api.ValidHostname("a"))
	assert.True(t, api.ValidHostname("primary-instance"))
	assert.False(t, api.ValidHostname(""))
	assert.False(t, api.ValidHostname("1abc"))
	assert.False(t, api.ValidHostname("bad-"))
	assert.False(t, api.ValidHostname("has space"))
	assert.False(t, api.ValidHostname("has_underscore"))
}
