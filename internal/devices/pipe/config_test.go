package pipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultMMIOBase), cfg.Base)
	assert.Equal(t, "pingpong", cfg.Service)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
base: 0xd0009000
service: throttle
throttle:
  bytes_per_sec: 4096
  burst: 512
`))
	require.NoError(t, err)
	assert.Equal(t, uint64(0xd0009000), cfg.Base)
	assert.Equal(t, "throttle", cfg.Service)
	assert.Equal(t, 4096, cfg.Throttle.BytesPerSec)
	assert.Equal(t, 512, cfg.Throttle.Burst)
}

func TestParseConfigRejectsGarbage(t *testing.T) {
	_, err := ParseConfig([]byte("base: [not a number"))
	assert.Error(t, err)
}

func TestFromConfigDefaults(t *testing.T) {
	dev, err := FromConfig(Config{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultMMIOBase), dev.Base())

	// The default registry serves the built-in pingpong service.
	vm := newTestVM()
	require.NoError(t, dev.Init(vm))
	h := &harness{t: t, dev: dev, vm: vm, irq: &irqRecorder{}}
	h.open(0x1)
	assert.Equal(t, 1, dev.OpenCount())
}

func TestFromConfigUnknownService(t *testing.T) {
	reg := NewRegistry()
	_, err := FromConfig(Config{Service: "gles"}, reg, nil)
	assert.Error(t, err)
}

func TestFromConfigThrottleOverride(t *testing.T) {
	cfg := Config{
		Base:     0xd000a000,
		Service:  "throttle",
		Throttle: ThrottleConfig{BytesPerSec: 128, Burst: 8},
	}
	dev, err := FromConfig(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xd000a000), dev.Base())
}
