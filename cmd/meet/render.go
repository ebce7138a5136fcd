package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dkeye/Meet/internal/app/session"
	"github.com/dkeye/Meet/internal/domain"
)

func render(w io.Writer, ev session.Event) {
	switch e := ev.(type) {
	case session.StateChanged:
		switch e.State {
		case domain.StateInCall:
			fmt.Fprintf(w, "* joined %s as %d\n", e.Room, e.UID)
		case domain.StateNotInCall:
			fmt.Fprintln(w, "* left the call")
		default:
			fmt.Fprintf(w, "* %s\n", e.State)
		}
	case session.DirectoryChanged:
		names := make([]string, 0, len(e.Directory.Records))
		for _, r := range e.Directory.Records {
			n := r.DisplayName
			if r.HandRaised {
				n += " (hand)"
			}
			names = append(names, n)
		}
		fmt.Fprintf(w, "* here: %s\n", strings.Join(names, ", "))
	case session.GridChanged:
		parts := make([]string, 0, len(e.Tiles))
		for _, t := range e.Tiles {
			media := ""
			if t.Video != nil {
				media += "v"
			}
			if t.Audio != nil {
				media += "a"
			}
			parts = append(parts, fmt.Sprintf("%s[%s]", t.Record.DisplayName, media))
		}
		fmt.Fprintf(w, "* grid: %s\n", strings.Join(parts, " "))
	case session.ChatChanged:
		if n := len(e.Events); n > 0 {
			last := e.Events[n-1]
			if !last.IsReaction() {
				fmt.Fprintf(w, "%s %s: %s\n", last.SentAt.Format("15:04:05"), last.SenderName, last.Text)
			}
		}
	case session.ReactionShown:
		fmt.Fprintf(w, "  %s %s\n", e.Reaction.SenderName, e.Reaction.Text)
	case session.MediaChanged:
		fmt.Fprintf(w, "* video=%s cam=%t mic=%t\n", e.State.Video, e.State.VideoEnabled, e.State.MicEnabled)
	case session.Failure:
		fmt.Fprintf(w, "! %s\n", e.Message)
	}
}
