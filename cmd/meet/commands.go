package main

import (
	"context"
	"strings"
)

// controls is the part of session.Controller driven from the prompt.
type controls interface {
	ToggleHand(ctx context.Context) error
	ToggleCamera(ctx context.Context) error
	ToggleMic() error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	SendMessage(ctx context.Context, text string) error
	SendReaction(ctx context.Context, emoji string) error
	Leave(ctx context.Context)
}

const help = "/hand /cam /mic /share /unshare /react <emoji> /leave; anything else is sent as chat"

// dispatch runs one input line. quit is true once the user left.
func dispatch(ctx context.Context, c controls, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, c.SendMessage(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "hand":
		return false, c.ToggleHand(ctx)
	case "cam":
		return false, c.ToggleCamera(ctx)
	case "mic":
		return false, c.ToggleMic()
	case "share":
		return false, c.StartScreenShare(ctx)
	case "unshare":
		return false, c.StopScreenShare(ctx)
	case "react":
		return false, c.SendReaction(ctx, strings.TrimSpace(arg))
	case "leave", "quit":
		c.Leave(ctx)
		return true, nil
	default:
		// "//text" sends "/text" literally
		if strings.HasPrefix(line, "//") {
			return false, c.SendMessage(ctx, line[1:])
		}
		return false, errUnknown(cmd)
	}
}

type errUnknown string

func (e errUnknown) Error() string { return "unknown command /" + string(e) + " (" + help + ")" }
