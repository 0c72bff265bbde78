// Package uiutil formats names and states for the terminal.
package uiutil

import (
	"os"

	"p2p-call/internal/identity"
)

const (
	reset = "\033[0m"
	dim   = "\033[2m"
	bold  = "\033[1m"
	green = "\033[32m"
)

// Color turns escape codes on. It is off when NO_COLOR is set.
var Color = os.Getenv("NO_COLOR") == ""

var nameColors = []string{
	"\033[31m", // red
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[34m", // blue
	"\033[35m", // magenta
	"\033[36m", // cyan
}

func paint(code, s string) string {
	if !Color {
		return s
	}
	return code + s + reset
}

func Dim(s string) string  { return paint(dim, s) }
func Bold(s string) string { return paint(bold, s) }

// Name renders a contact name in a color picked from its key, so the same
// peer always looks the same. An empty name shows the short key.
func Name(name string, pk identity.PublicKey) string {
	if name == "" {
		name = pk.Short()
	}
	return paint(nameColors[int(pk[0])%len(nameColors)], name)
}

func Presence(online bool) string {
	if online {
		return paint(green, "online")
	}
	return Dim("offline")
}
