package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitJSONWithDomainFields(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})

	logger := WithBatch(WithDevice(WithHost(Component("usbip"), "lab@10.0.0.5"), "DEV123"), "b-1", "reboot")
	logger.Info().Msg("attached")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "DEV123", entry["device"])
	require.Equal(t, "lab@10.0.0.5", entry["host"])
	require.Equal(t, "usbip", entry["component"])
	require.Equal(t, "b-1", entry["batch_id"])
	require.Equal(t, "reboot", entry["action"])
	require.Equal(t, "attached", entry["message"])
	require.Equal(t, "info", entry["level"])
}

func TestFromContextFallsBackToGlobal(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})

	global := FromContext(context.Background())
	global.Info().Msg("global")
	require.Contains(t, buf.String(), `"global"`)

	buf.Reset()
	tagged := Component("pool")
	ctx := WithContext(context.Background(), tagged)
	scoped := FromContext(ctx)
	scoped.Info().Msg("scoped")
	require.Contains(t, buf.String(), `"component":"pool"`)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "warn", parseLevel("warning").String())
	require.Equal(t, "info", parseLevel("bogus").String())
	require.Equal(t, "debug", parseLevel("debug").String())
	require.Equal(t, "info", parseLevel("").String())
	require.Equal(t, "error", parseLevel(" ERROR ").String())
}
