package router

import (
	"strings"
	"testing"
)

func TestParse_Commands(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantCmd  string
		wantArgs string
	}{
		{"help", "/help", "help", ""},
		{"status", "/status", "status", ""},
		{"cancel", "/cancel", "cancel", ""},
		{"new", "/new", "new", ""},
		{"args kept", "/status  verbose ", "status", "verbose"},
		{"uppercase normalized", "/CANCEL", "cancel", ""},
		{"surrounding space", "   /new\n", "new", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := Parse(tt.input)
			if route.Kind != KindCommand {
				t.Fatalf("Parse(%q).Kind = %v, want command", tt.input, route.Kind)
			}
			if route.Command != tt.wantCmd {
				t.Errorf("Parse(%q).Command = %q, want %q", tt.input, route.Command, tt.wantCmd)
			}
			if route.Args != tt.wantArgs {
				t.Errorf("Parse(%q).Args = %q, want %q", tt.input, route.Args, tt.wantArgs)
			}
		})
	}
}

func TestParse_Prompts(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantPrompt string
	}{
		{"unknown slash goes to agent", "/commit", "/commit"},
		{"unknown slash with args", "/review-pr 123", "/review-pr 123"},
		{"plain text", "refactor the auth module", "refactor the auth module"},
		{"whitespace trimmed", "  hello world  ", "hello world"},
		{"passthrough", "::compact", "/compact"},
		{"passthrough of a bridge name", "::status", "/status"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := Parse(tt.input)
			if route.Kind != KindPrompt {
				t.Errorf("Parse(%q).Kind = %v, want prompt", tt.input, route.Kind)
			}
			if route.Prompt != tt.wantPrompt {
				t.Errorf("Parse(%q).Prompt = %q, want %q", tt.input, route.Prompt, tt.wantPrompt)
			}
			if route.Command != "" {
				t.Errorf("Parse(%q).Command = %q, want empty", tt.input, route.Command)
			}
		})
	}
}

func TestHelp_ListsEveryCommand(t *testing.T) {
	help := Help()
	for name := range Commands {
		if !strings.Contains(help, "/"+name) {
			t.Errorf("Help() missing /%s", name)
		}
	}
	if strings.Index(help, "/cancel") > strings.Index(help, "/status") {
		t.Error("Help() should list commands in name order")
	}
	if !strings.Contains(help, PassthroughPrefix) {
		t.Error("Help() should mention the passthrough prefix")
	}
}

func TestKind_String(t *testing.T) {
	if KindCommand.String() != "command" || KindPrompt.String() != "prompt" {
		t.Errorf("String() = %q, %q", KindCommand.String(), KindPrompt.String())
	}
}
