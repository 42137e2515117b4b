// Package agent implements stdio staging for computers whose sshd
// offers no SFTP subsystem. A small helper binary (cmd/atomflow-agent)
// is streamed to the remote host over a plain shell pipe, started
// inside the SSH session, and then spoken to through a framed JSON
// protocol on its stdin/stdout.
//
// The pieces:
//
//   - wire holds the length-prefixed codec and message types shared by
//     both ends.
//   - handlers implements the commands the agent serves: exec,
//     file.write and file.read.
//   - Server is the agent-side loop run by cmd/atomflow-agent.
//   - client drives a remote agent from the controller side.
//   - Transport adapts a client to transports.Transport, so the
//     executor stages jobs through the agent without knowing it.
//
// A computer opts in through its config:
//
//	computers:
//	  - name: cluster
//	    transport: ssh
//	    agent:
//	      binary_path: /opt/atomflow/bin/atomflow-agent
//
// The agent exits when its stdin closes and removes its own binary when
// it was pushed for the session.
package agent
