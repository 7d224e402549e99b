package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// SetupScriptPath is the privileged guest script that installs session credentials.
const SetupScriptPath = "/bin/anweddol_container_setup.sh"

// CommandResult holds the drained output of a guest command.
type CommandResult struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// EndpointShell is the bootstrap SSH session into a running container. It is
// single use: a successful credential rotation closes it.
type EndpointShell struct {
	client          *ssh.Client
	uuid            string
	maxPortAttempts int
	logger          *logrus.Logger
	onClose         func()

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
	stored    *Credentials
}

func newEndpointShell(client *ssh.Client, uuid string, maxPortAttempts int, logger *logrus.Logger, onClose func()) *EndpointShell {
	return &EndpointShell{
		client:          client,
		uuid:            uuid,
		maxPortAttempts: maxPortAttempts,
		logger:          logger,
		onClose:         onClose,
	}
}

// IsClosed reports whether the shell has been closed.
func (s *EndpointShell) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// StoredCredentials returns the credentials recorded by a successful rotation.
func (s *EndpointShell) StoredCredentials() (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stored == nil {
		return Credentials{}, false
	}
	return *s.stored, true
}

// ExecuteCommand runs command in a new session and waits for it to finish.
// A non-zero exit status is reported in the result, not as an error.
func (s *EndpointShell) ExecuteCommand(ctx context.Context, command string) (CommandResult, error) {
	if s.IsClosed() {
		return CommandResult{}, ErrShellClosed
	}

	session, err := s.client.NewSession()
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = runWithContext(ctx, func() error {
		return session.Run(command)
	}, func() {
		session.Close()
	})

	result := CommandResult{}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitStatus = exitErr.ExitStatus()
	case ctx.Err() != nil:
		return CommandResult{}, fmt.Errorf("command interrupted: %w", err)
	default:
		return CommandResult{}, fmt.Errorf("failed to run command: %w", err)
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

// GenerateContainerSSHCredentials draws a fresh session identity.
func (s *EndpointShell) GenerateContainerSSHCredentials(portRange PortRange) (Credentials, error) {
	return GenerateCredentials(portRange, s.maxPortAttempts)
}

// SetContainerSSHCredentials runs the guest setup script with creds. The script
// must print nothing on either stream; any output is returned as a *CommandError
// and leaves the shell open. On success the credentials are stored and the
// shell is closed, since the bootstrap identity is gone from the guest.
func (s *EndpointShell) SetContainerSSHCredentials(ctx context.Context, creds Credentials) error {
	command := shellquote.Join("sudo", SetupScriptPath, creds.Username, creds.Password, strconv.Itoa(creds.Port))

	result, err := s.ExecuteCommand(ctx, command)
	if err != nil {
		return fmt.Errorf("container %s: failed to set SSH credentials: %w", s.uuid, err)
	}

	if result.Stdout != "" || result.Stderr != "" {
		return &CommandError{
			UUID:       s.uuid,
			Command:    SetupScriptPath,
			Stdout:     result.Stdout,
			Stderr:     result.Stderr,
			ExitStatus: result.ExitStatus,
		}
	}
	if result.ExitStatus != 0 {
		s.logger.WithFields(logrus.Fields{
			"container":   s.uuid,
			"exit_status": result.ExitStatus,
		}).Warn("Setup script exited non-zero without output")
	}

	s.mu.Lock()
	s.stored = &creds
	s.mu.Unlock()

	return s.Close()
}

// Close closes the SSH connection. Only the first call reaches the connection.
func (s *EndpointShell) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.onClose != nil {
			s.onClose()
		}
	})
	return s.closeErr
}
