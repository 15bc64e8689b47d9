package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	isLoggedIn() bool
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	WhoAmI(ctx context.Context) error
	Status(ctx context.Context) error
}

// runREPL starts a simple read–eval–print loop for the portal CLI.
//
// It prints the prompt from promptFn, reads a line, reports it through
// onInput as user activity, and dispatches the first token as the command.
// The loop exits on EOF, when ctx is done, or when the user types "exit" or
// "quit".
//
//	Not signed in:  help, login, status, exit
//	Signed in:      help, whoami, status, logout, exit
//
// Errors returned by command handlers are printed and the loop continues.
func runREPL(ctx context.Context, a execIface, promptFn func() string, onInput func(), reader *bufio.Reader) {
	for {
		if ctx.Err() != nil {
			return
		}
		printlnFn(promptFn())

		line, err := reader.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return
		}
		onInput()

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := parts[0]

		var cmdErr error
		switch cmd {
		case "help":
			if a.isLoggedIn() {
				printlnFn("Available commands: whoami, status, logout, exit")
			} else {
				printlnFn("Available commands: login, status, exit")
			}

		case "login":
			cmdErr = a.Login(ctx)

		case "logout":
			cmdErr = a.Logout(ctx)

		case "whoami":
			cmdErr = a.WhoAmI(ctx)

		case "status":
			cmdErr = a.Status(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}

		if cmdErr != nil {
			printlnFn("Error:", cmdErr)
		}
	}
}
