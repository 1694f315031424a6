package buildinfo

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextGetters(t *testing.T) {
	tests := []struct {
		name      string
		ctx       *Context
		version   string
		buildDate string
		systemID  string
	}{
		{
			name:      "nil context",
			ctx:       nil,
			version:   UnknownValue,
			buildDate: UnknownValue,
			systemID:  UnknownValue,
		},
		{
			name:      "empty fields",
			ctx:       &Context{},
			version:   UnknownValue,
			buildDate: UnknownValue,
			systemID:  UnknownValue,
		},
		{
			name:      "populated",
			ctx:       NewContext("1.2.0-beta.1", "2026-01-01T12:00:00Z", "lab-3"),
			version:   "1.2.0-beta.1",
			buildDate: "2026-01-01T12:00:00Z",
			systemID:  "lab-3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.version, tt.ctx.GetVersion())
			assert.Equal(t, tt.buildDate, tt.ctx.GetBuildDate())
			assert.Equal(t, tt.systemID, tt.ctx.GetSystemID())
		})
	}
}

func TestSystemIDDerivedFromHostname(t *testing.T) {
	a := NewContext("1.0.0", "", "")
	b := NewContext("1.0.0", "", "")
	if a.SystemID == "" {
		t.Skip("hostname unavailable")
	}
	assert.Equal(t, a.SystemID, b.SystemID)
	_, err := uuid.Parse(a.SystemID)
	require.NoError(t, err)
}
