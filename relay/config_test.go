/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package relay

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-proxykit/config"
)

func TestConfigWithLoader(t *testing.T) {
	t.Run("values from yaml", func(t *testing.T) {
		cfgData := `
relay:
  dialTimeout: 5s
  dialRetryInterval: 200ms
  dialMaxRetries: 1
  backendPort: "8443"
  dnsServers:
    - 10.0.0.2:53
    - 10.0.0.3:53
  dispatch:
    maxConnsPerHost: 4
    unifiedHost: true
`
		cfg := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader([]byte(cfgData)), config.DataTypeYAML, cfg)
		require.NoError(t, err)
		require.Equal(t, time.Second*5, cfg.DialTimeout)
		require.Equal(t, time.Millisecond*200, cfg.DialRetryInterval)
		require.Equal(t, 1, cfg.DialMaxRetries)
		require.Equal(t, "8443", cfg.BackendPort)
		require.Equal(t, []string{"10.0.0.2:53", "10.0.0.3:53"}, cfg.DNSServers)
		require.Equal(t, 4, cfg.Dispatch.MaxConnsPerHost)
		require.True(t, cfg.Dispatch.UnifiedHost)
	})

	t.Run("default values", func(t *testing.T) {
		cfg := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader([]byte("{}")), config.DataTypeYAML, cfg)
		require.NoError(t, err)
		require.Equal(t, DefaultDialTimeout, cfg.DialTimeout)
		require.Equal(t, DefaultDialRetryInterval, cfg.DialRetryInterval)
		require.Equal(t, DefaultDialMaxRetries, cfg.DialMaxRetries)
		require.Equal(t, DefaultBackendPort, cfg.BackendPort)
		require.Equal(t, 0, cfg.Dispatch.MaxConnsPerHost)
		require.False(t, cfg.Dispatch.UnifiedHost)
	})

	t.Run("invalid values", func(t *testing.T) {
		tests := []struct {
			name       string
			cfgData    string
			wantErrMsg string
		}{
			{
				name: "negative dial timeout",
				cfgData: `
relay:
  dialTimeout: -1s
`,
				wantErrMsg: "relay.dialTimeout: should be >= 0",
			},
			{
				name: "zero dial retry interval",
				cfgData: `
relay:
  dialRetryInterval: 0s
`,
				wantErrMsg: "relay.dialRetryInterval: should be > 0",
			},
			{
				name: "negative dial max retries",
				cfgData: `
relay:
  dialMaxRetries: -1
`,
				wantErrMsg: "relay.dialMaxRetries: should be >= 0",
			},
			{
				name: "negative conns cap",
				cfgData: `
relay:
  dispatch:
    maxConnsPerHost: -1
`,
				wantErrMsg: "dispatch.maxConnsPerHost",
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cfg := NewConfig()
				err := config.NewDefaultLoader("").LoadFromReader(
					bytes.NewReader([]byte(tt.cfgData)), config.DataTypeYAML, cfg)
				require.ErrorContains(t, err, tt.wantErrMsg)
			})
		}
	})
}
