//go:build integration

package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func startTestDiscord(t *testing.T) (*Discord, string) {
	t.Helper()
	token := os.Getenv("DISCORD_BOT_TOKEN")
	channelID := os.Getenv("DISCORD_TEST_CHANNEL_ID")
	if token == "" || channelID == "" {
		t.Skip("DISCORD_BOT_TOKEN or DISCORD_TEST_CHANNEL_ID not set")
	}

	d := NewDiscord(token, []string{channelID})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	if err := d.Start(ctx); err != nil {
		t.Fatalf("failed to start Discord: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })

	// Allow Gateway connection to establish
	time.Sleep(2 * time.Second)
	return d, channelID
}

func TestDiscordIntegration_Send(t *testing.T) {
	d, channelID := startTestDiscord(t)

	msg := fmt.Sprintf("[TEST] integration message at %s", time.Now().Format(time.RFC3339))
	if err := d.Send(channelID, msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestDiscordIntegration_SendLongSplits(t *testing.T) {
	d, channelID := startTestDiscord(t)

	long := strings.Repeat("[TEST] split line\n", 200)
	if err := d.Send(channelID, long); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestDiscordIntegration_SendFile(t *testing.T) {
	d, channelID := startTestDiscord(t)

	content := []byte(fmt.Sprintf("[TEST] file content at %s", time.Now().Format(time.RFC3339)))
	if err := d.SendFile(channelID, "test-output.md", content); err != nil {
		t.Fatalf("SendFile() error = %v", err)
	}
}
