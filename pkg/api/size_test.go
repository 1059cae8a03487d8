package api_test

import (
	"testing"

	"github.com/fleetvm/fleetvm/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "100", want: 100},
		{in: "512K", want: 512 * 1024},
		{in: "512M", want: 512 * 1024 * 1024},
		{in: "2G", want: 2 * 1024 * 1024 * 1024},
		{in: "1T", want: 1024 * 1024 * 1024 * 1024},
		{in: "3k", want: 3 * 1024},
		{in: "3g", want: 3 * 1024 * 1024 * 1024},
		{in: "abc", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "5X", wantErr: true},
		{in: "0", wantErr: true},
		{in: "", wantErr: true},
		{in: "1.5G", wantErr: true},
		{in: "G", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := api.ParseMemorySize(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatMemorySize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{in: 0, want: "0"},
		{in: 100, want: "100"},
		{in: 512 * 1024, want: "512K"},
		{in: 2 * 1024 * 1024 * 1024, want: "2G"},
		{in: 1024 * 1024 * 1024 * 1024, want: "1T"},
		{in: 1536, want: "1536"},
		{in: 1024*1024 + 1024, want: "1025K"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, api.FormatMemorySize(tt.in))
		})
	}
}
