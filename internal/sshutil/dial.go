package sshutil

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultDialTimeout bounds the TCP connect and the SSH handshake.
const DefaultDialTimeout = 15 * time.Second

// DialPassword opens an SSH client to addr with password authentication.
//
// Guests boot from a shared ISO and regenerate their host keys on every boot,
// so there is no known key to pin and the host key is not verified.
func DialPassword(ctx context.Context, addr, user, password string, timeout time.Duration) (*ssh.Client, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	deadline, _ := dialCtx.Deadline()
	conn.SetDeadline(deadline)

	// Closing the connection is the only way to abort a handshake in flight.
	stop := context.AfterFunc(dialCtx, func() {
		conn.Close()
	})

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() {
		if err == nil {
			sshConn.Close()
		}
		return nil, fmt.Errorf("SSH handshake with %s: %w", addr, dialCtx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s: %w", addr, err)
	}

	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}
