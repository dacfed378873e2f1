package hv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleMMIODevice(t *testing.T) {
	var lastWrite uint64
	dev := SimpleMMIODevice{
		Regions: []MMIORegion{{Address: 0x9000, Size: 0x10}},
		ReadFunc: func(addr uint64, data []byte) error {
			data[0] = 0xab
			return nil
		},
		WriteFunc: func(addr uint64, data []byte) error {
			lastWrite = addr
			return nil
		},
	}

	require.NoError(t, dev.Init(nil))
	assert.Equal(t, []MMIORegion{{Address: 0x9000, Size: 0x10}}, dev.MMIORegions())

	buf := make([]byte, 1)
	require.NoError(t, dev.ReadMMIO(0x9000, buf))
	assert.Equal(t, byte(0xab), buf[0])

	require.NoError(t, dev.WriteMMIO(0x9004, buf))
	assert.Equal(t, uint64(0x9004), lastWrite)
}

func TestSimpleMMIODeviceUnhandled(t *testing.T) {
	dev := SimpleMMIODevice{}
	assert.Error(t, dev.ReadMMIO(0x9000, make([]byte, 1)))
	assert.Error(t, dev.WriteMMIO(0x9000, make([]byte, 1)))
}
