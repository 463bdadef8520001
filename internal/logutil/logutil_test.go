package logutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetLevel(t *testing.T) {
	previous := log.Logger
	defer func() { log.Logger = previous }()

	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)
	if err := SetLevel("warn"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	log.Info().Msg("advice refreshed")
	log.Warn().Msg("can't refresh advice")
	if strings.Contains(buf.String(), "advice refreshed") {
		t.Fatal("expected events below the level to be dropped")
	}
	if !strings.Contains(buf.String(), "can't refresh advice") {
		t.Fatal("expected events at the level to be kept")
	}
	if err := SetLevel("loud"); err == nil {
		t.Fatal("expected an unknown level to be rejected")
	}
}

func TestSeverityHook(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Hook(SeverityHook{})
	logger.Error().Msg("sink down")
	if !strings.Contains(buf.String(), `"severity":"error"`) {
		t.Fatalf("expected a severity field, got %s", buf.String())
	}
}
