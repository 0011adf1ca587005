/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-proxykit/config"
)

func TestConfigWithLoader(t *testing.T) {
	t.Run("values from yaml", func(t *testing.T) {
		cfgData := `
log:
  level: debug
  format: text
  output: file
  nocolor: true
  addCaller: true
  file:
    path: /var/log/proxykit.log
    rotation:
      compress: true
      maxSizeMB: 100
      maxBackups: 5
      maxAgeDays: 7
      localTimeInNames: true
`
		cfg := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader([]byte(cfgData)), config.DataTypeYAML, cfg)
		require.NoError(t, err)
		require.Equal(t, LevelDebug, cfg.Level)
		require.Equal(t, FormatText, cfg.Format)
		require.Equal(t, OutputFile, cfg.Output)
		require.True(t, cfg.NoColor)
		require.True(t, cfg.AddCaller)
		require.Equal(t, "/var/log/proxykit.log", cfg.File.Path)
		require.True(t, cfg.File.Rotation.Compress)
		require.Equal(t, 100, cfg.File.Rotation.MaxSizeMB)
		require.Equal(t, 5, cfg.File.Rotation.MaxBackups)
		require.Equal(t, 7, cfg.File.Rotation.MaxAgeDays)
		require.True(t, cfg.File.Rotation.LocalTimeInNames)
	})

	t.Run("default values", func(t *testing.T) {
		cfg := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader([]byte("{}")), config.DataTypeYAML, cfg)
		require.NoError(t, err)
		require.Equal(t, LevelInfo, cfg.Level)
		require.Equal(t, FormatJSON, cfg.Format)
		require.Equal(t, OutputStdout, cfg.Output)
		require.Equal(t, DefaultFileRotationMaxSizeMB, cfg.File.Rotation.MaxSizeMB)
		require.Equal(t, DefaultFileRotationMaxBackups, cfg.File.Rotation.MaxBackups)
	})

	t.Run("invalid values", func(t *testing.T) {
		tests := []struct {
			name       string
			cfgData    string
			wantErrMsg string
		}{
			{
				name: "unknown level",
				cfgData: `
log:
  level: trace
`,
				wantErrMsg: `log.level: unknown value "trace"`,
			},
			{
				name: "unknown format",
				cfgData: `
log:
  format: xml
`,
				wantErrMsg: `log.format: unknown value "xml"`,
			},
			{
				name: "file output without path",
				cfgData: `
log:
  output: file
`,
				wantErrMsg: `log.file.path: cannot be empty when "file" output is used`,
			},
			{
				name: "too small max size",
				cfgData: `
log:
  file:
    rotation:
      maxSizeMB: 0
`,
				wantErrMsg: "log.file.rotation.maxSizeMB: should be >= 1",
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
