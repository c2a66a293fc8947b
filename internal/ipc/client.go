package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
)

// Call sends a single command invocation over the unix socket and waits for
// the response. It is the transport used by generated wrapper scripts.
func Call(ctx context.Context, socketPath, command string, args []string, stdin []byte) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing ipc socket %s: %w", socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := Request{Command: command, Args: args, Stdin: stdin}
	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		return nil, fmt.Errorf("sending ipc request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("reading ipc response: %w", err)
	}
	return &resp, nil
}
