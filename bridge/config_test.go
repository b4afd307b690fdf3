package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ser2tcp/ser2tcp/logger"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig("127.0.0.1", 5000)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host())
	assert.Equal(t, 5000, cfg.Port())
	assert.Equal(t, "127.0.0.1:5000", cfg.Addr())
	assert.Equal(t, DefaultDevice, cfg.Device())
	assert.Equal(t, DefaultBaudRate, cfg.BaudRate())
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout())
	assert.Equal(t, DefaultAcceptTimeout, cfg.AcceptTimeout())
	assert.Equal(t, DefaultCloseTimeout, cfg.CloseTimeout())
	assert.False(t, cfg.SerialReconnect())
	assert.Equal(t, DefaultReconnectInterval, cfg.ReconnectInterval())
	assert.NotNil(t, cfg.GetLogger())
}

func TestNewConfig_WithOptions(t *testing.T) {
	log := logger.NewSlog(logger.ErrorLevel, false)

	cfg, err := NewConfig("127.0.0.1", 6000,
		WithDevice("/dev/ttyS1"),
		WithBaudRate(9600),
		WithWriteTimeout(time.Second),
		WithAcceptTimeout(500*time.Millisecond),
		WithCloseTimeout(10*time.Second),
		WithSerialReconnect(true),
		WithReconnectInterval(2*time.Second),
		WithLogger(log),
	)
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Port())
	assert.Equal(t, "/dev/ttyS1", cfg.Device())
	assert.Equal(t, 9600, cfg.BaudRate())
	assert.Equal(t, time.Second, cfg.WriteTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.AcceptTimeout())
	assert.Equal(t, 10*time.Second, cfg.CloseTimeout())
	assert.True(t, cfg.SerialReconnect())
	assert.Equal(t, 2*time.Second, cfg.ReconnectInterval())
	assert.Same(t, log, cfg.GetLogger())
}

func TestNewConfig_EmptyHostBindsAllInterfaces(t *testing.T) {
	cfg, err := NewConfig("", 5000)
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Host())
	assert.Equal(t, ":5000", cfg.Addr())
}

func TestNewConfig_InvalidHost(t *testing.T) {
	_, err := NewConfig("!!!invalid!!!", 5000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid host")
}

func TestNewConfig_InvalidPort(t *testing.T) {
	_, err := NewConfig("127.0.0.1", -1)
	require.Error(t, err)

	_, err = NewConfig("127.0.0.1", 70000)
	require.Error(t, err)
}

func TestNewConfig_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"empty device", WithDevice("")},
		{"unsupported baud", WithBaudRate(12345)},
		{"zero write timeout", WithWriteTimeout(0)},
		{"negative accept timeout", WithAcceptTimeout(-time.Second)},
		{"zero close timeout", WithCloseTimeout(0)},
		{"zero reconnect interval", WithReconnectInterval(0)},
		{"nil logger", WithLogger(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig("127.0.0.1", 5000, tt.opt)
			require.Error(t, err)
		})
	}
}
