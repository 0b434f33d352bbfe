package components

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexPageEscapes(t *testing.T) {
	var buf bytes.Buffer
	err := IndexPage(IndexPageData{
		UserID:    `"><script>`,
		Token:     "abc123",
		Latitude:  25.443275,
		Longitude: -70.576172,
		Audience:  3,
		Version:   2,
		Broker:    "tcp://broker:1883",
		Topic:     "geochat/<u>/messages",
	}).Render(context.Background(), &buf)
	require.NoError(t, err)

	out := buf.String()
	require.NotContains(t, out, `"><script>`)
	require.Contains(t, out, `data-token="abc123"`)
	require.Contains(t, out, `data-lat="25.443275"`)
	require.Contains(t, out, `data-lon="-70.576172"`)
	require.Contains(t, out, `data-version="2"`)
	require.Contains(t, out, "3 listening")
	require.Contains(t, out, "MQTT: tcp://broker:1883 topic geochat/&lt;u&gt;/messages")
	require.True(t, strings.HasPrefix(out, "<!doctype html>"))
}
