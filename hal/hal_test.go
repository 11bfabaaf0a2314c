package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResource_Validate(t *testing.T) {
	tests := []struct {
		name    string
		res     Resource
		wantErr bool
	}{
		{"minimal", Resource{Address: 0x50000000, Size: 4}, false},
		{"page", Resource{Address: 0x1000, Size: 0x1000, IRQ: 7}, false},
		{"too small", Resource{Address: 0x1000, Size: 2}, true},
		{"unaligned", Resource{Address: 0x1002, Size: 4}, true},
		{"wraps", Resource{Address: ^uint64(0) - 3, Size: 8}, true},
		{"negative irq", Resource{Address: 0x1000, Size: 4, IRQ: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.res.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResource_String(t *testing.T) {
	r := Resource{Handle: "device-1", Address: 0x50000000, Size: 4, IRQ: 3}
	assert.Equal(t, "device-1@0x50000000+0x4 irq=3", r.String())
}
