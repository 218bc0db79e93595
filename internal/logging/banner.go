package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
)

var logoLines = [6]string{
	`   ____                     ____        _   `,
	`  / ___|_ __ ___  ___ ___  | __ )  ___ | |_ `,
	` | |   | '__/ _ \/ __/ __| |  _ \ / _ \| __|`,
	` | |___| | | (_) \__ \__ \ | |_) | (_) | |_ `,
	`  \____|_|  \___/|___/___/ |____/ \___/ \__|`,
	`                                            `,
}

// PrintBanner prints the CrossBot ASCII art logo with version, listen
// address and the wired adapter names below it. Colors are used only
// when stderr is a TTY.
func PrintBanner(ver, addr string, adapters []string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintln(os.Stderr, logoLines[i])
		}
	}

	names := "none"
	if len(adapters) > 0 {
		names = ""
		for i, a := range adapters {
			if i > 0 {
				names += ", "
			}
			names += a
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s   %sadapters%s %s\n\n",
			dim, reset, ver, dim, reset, addr, dim, reset, names)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s   adapters %s\n\n", ver, addr, names)
	}
}
