// Command conductor runs the saga orchestration engine and ships a small
// client for submitting and inspecting sagas over the REST API.
//
// Usage:
//
//	conductor serve              run the engine
//	conductor submit ...         submit a saga
//	conductor status <saga-id>   show one saga
//	conductor list [--status s]  list sagas
//	conductor cancel <saga-id>   roll a saga back
//
// Client commands exit 0 on success, 1 on a request/validation error and
// 2 on an internal failure: the server cannot be reached or answered 5xx.
package main

import (
	"fmt"
	"os"
)

const (
	exitOK       = 0
	exitError    = 1
	exitInternal = 2
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintln(os.Stderr, "conductor:", err)
			os.Exit(exitError)
		}
	case "submit":
		os.Exit(runSubmit(args))
	case "status":
		os.Exit(runStatus(args))
	case "list":
		os.Exit(runList(args))
	case "cancel":
		os.Exit(runCancel(args))
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "conductor: unknown command %q\n\n", cmd)
		usage(os.Stderr)
		os.Exit(exitError)
	}
}

func usage(w *os.File) {
	fmt.Fprint(w, `conductor - saga orchestration engine

Commands:
  serve                               run the engine (default)
  submit --definition NAME --requester KEY [--id ID] [--payload JSON]
  status [--json] SAGA_ID             show saga state and compensation log
  list [--status STATUS]              list sagas
  cancel [--reason TEXT] SAGA_ID      cancel and roll back a saga

The client commands read CONDUCTOR_URL (default http://localhost:8080).
`)
}
