package logging

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewFormatter(t *testing.T) {
	testCases := []struct {
		in       string
		expected interface{}
	}{
		{"", &logrus.TextFormatter{}},
		{"json", &logrus.JSONFormatter{}},
		{"text", &logrus.TextFormatter{}},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("newFormatter(%s)", tc.in), func(t *testing.T) {
			require.Equal(t, reflect.TypeOf(tc.expected), reflect.TypeOf(newFormatter(tc.in)))
		})
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		in       string
		expected logrus.Level
	}{
		{"trace", logrus.TraceLevel},
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			require.Equal(t, tc.expected, parseLevel(tc.in))
		})
	}
}

func TestIsDebugLevel(t *testing.T) {
	require.True(t, isDebugLevel(logrus.TraceLevel))
	require.True(t, isDebugLevel(logrus.DebugLevel))
	require.False(t, isDebugLevel(logrus.InfoLevel))
	require.False(t, isDebugLevel(logrus.ErrorLevel))
}

func TestForTagsComponent(t *testing.T) {
	entry := For("matcher")
	require.Equal(t, App, entry.Data["app"])
	require.Equal(t, "matcher", entry.Data["component"])
}
