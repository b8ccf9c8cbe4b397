// Package router splits chat input into bridge commands and agent prompts.
package router

import (
	"fmt"
	"sort"
	"strings"
)

type Kind int

const (
	KindPrompt Kind = iota
	KindCommand
)

func (k Kind) String() string {
	if k == KindCommand {
		return "command"
	}
	return "prompt"
}

// PassthroughPrefix sends a slash command to the agent instead of the
// bridge: "::compact" becomes the prompt "/compact".
const PassthroughPrefix = "::"

type Route struct {
	Kind    Kind
	Command string
	Args    string
	// Prompt is the text handed to the agent for KindPrompt routes.
	Prompt string
}

// Commands maps the bridge commands to their help line.
var Commands = map[string]string{
	"help":   "show this message",
	"status": "show whether a round is running, the session id and the branch",
	"cancel": "interrupt the running round",
	"new":    "forget the agent session; the next prompt starts a fresh one",
}

func Parse(content string) Route {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "/") {
		cmd, args := splitCommand(content[1:])
		if _, ok := Commands[cmd]; ok {
			return Route{Kind: KindCommand, Command: cmd, Args: args}
		}
		return Route{Kind: KindPrompt, Prompt: content}
	}

	if rest, ok := strings.CutPrefix(content, PassthroughPrefix); ok {
		return Route{Kind: KindPrompt, Prompt: "/" + rest}
	}

	return Route{Kind: KindPrompt, Prompt: content}
}

// Help renders the command list sorted by name.
func Help() string {
	names := make([]string, 0, len(Commands))
	for name := range Commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  /%s - %s\n", name, Commands[name])
	}
	fmt.Fprintf(&b, "Prefix with %s to send a slash command to the agent.", PassthroughPrefix)
	return b.String()
}

func splitCommand(s string) (cmd, args string) {
	cmd, args, _ = strings.Cut(s, " ")
	return strings.ToLower(cmd), strings.TrimSpace(args)
}
