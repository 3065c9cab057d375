package nimble

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, s string) string {
	return writeConfigAs(t, "config.json", s)
}

func writeConfigAs(t *testing.T, name, s string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, ioutil.WriteFile(p, []byte(s), 0o600))
	return p
}

func TestLoadConfig(t *testing.T) {
	p := writeConfig(t, `{
		"logLevel": "debug",
		"address": "94:c2:a0:00:00:02",
		"commandTimeout": "250ms",
		"transport": {"uart": "/dev/ttyACM0"}
	}`)

	c, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, "94:c2:a0:00:00:02", c.Address)
	assert.Equal(t, Duration(250*time.Millisecond), c.CommandTimeout)
	assert.Equal(t, "/dev/ttyACM0", c.Transport.Uart)

	// defaults survive
	assert.Equal(t, uint32(32768), c.TickRate)
	assert.Equal(t, uint(1000000), c.Transport.BaudRate)
	assert.Len(t, c.Options(), 1)
}

func TestLoadConfigInvalid(t *testing.T) {
	for name, s := range map[string]string{
		"two transports": `{"transport": {"uart": "/dev/ttyACM0", "vhci": true}}`,
		"zero tick rate": `{"tickRate": 0}`,
		"address":        `{"address": "94:c2"}`,
		"bad duration":   `{"commandTimeout": 5}`,
		"budget":         `{"flushBudget": -1}`,
		"syntax":         `{`,
	} {
		_, err := LoadConfig(writeConfig(t, s))
		assert.Error(t, err, name)
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadConfigYAML(t *testing.T) {
	p := writeConfigAs(t, "bridge.yaml", `
logLevel: warn
tickRate: 1000
commandTimeout: 2s
logFile:
  path: /var/log/h4bridge.log
transport:
  tcp: 127.0.0.1:4444
`)

	c, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "warn", c.LogLevel)
	assert.Equal(t, uint32(1000), c.TickRate)
	assert.Equal(t, Duration(2*time.Second), c.CommandTimeout)
	assert.Equal(t, "127.0.0.1:4444", c.Transport.TCP)
	assert.Equal(t, "/var/log/h4bridge.log", c.LogFile.Path)
	assert.Equal(t, 3, c.LogFile.MaxBackups)

	_, err = LoadConfig(writeConfigAs(t, "bad.yml", "commandTimeout: soon\n"))
	assert.Error(t, err)
	_, err = LoadConfig(writeConfigAs(t, "two.yml", "transport:\n  tcp: \"127.0.0.1:1\"\n  vhci: true\n"))
	assert.Error(t, err)
}

func TestDurationJSON(t *testing.T) {
	b, err := jsoniter.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(b))
}

func TestSetLogLevel(t *testing.T) {
	assert.Error(t, SetLogLevel("loud"))
	require.NoError(t, SetLogLevel("info"))
	assert.NotNil(t, PackageLogger("test"))
}

func TestSetLogOutput(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)

	GetLogger().Warn("to the buffer")
	assert.Contains(t, buf.String(), "to the buffer")
	assert.Contains(t, buf.String(), logrus.WarnLevel.String())
}
