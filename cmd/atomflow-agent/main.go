// Command atomflow-agent serves the stdio staging protocol on
// stdin/stdout. The controller streams this binary to a remote host
// over an SSH session, starts it, and drives exec and file commands
// through it, so computers without an SFTP subsystem can still stage
// jobs. With --self-delete the binary removes itself when the session
// ends.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/atomflow/atomflow/pkg/agent"
)

var version = "dev"

func main() {
	selfDelete := flag.Bool("self-delete", false, "remove this binary on exit")
	flag.Parse()

	server := agent.NewServer(os.Stdin, os.Stdout).WithVersion(version)
	if *selfDelete {
		if exe, err := os.Executable(); err == nil {
			server = server.WithSelfDelete(exe)
		}
	}

	if err := server.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "atomflow-agent: %v\n", err)
		os.Exit(1)
	}
}
