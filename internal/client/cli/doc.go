// Package cli provides the interactive gym portal command-line client.
//
// It wires configuration, the encrypted local session store, the identity
// provider, the directories and the session synchronizer, and runs a small
// REPL on top of them.
//
// Commands:
//   - login / logout
//   - whoami: the resolved identity
//   - status: session state and role
//   - help, exit
//
// Every entered line counts as user activity for the inactivity timeout.
// Session notices (expiry, approval, sign-out) are printed as they happen.
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
