package orchestrator

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"strconv"
)

const (
	usernamePrefix    = "user_"
	usernameMinSuffix = 10000
	usernameMaxSuffix = 90001 // exclusive

	passwordLength   = 120
	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// DefaultMaxPortAttempts bounds the random port search.
	DefaultMaxPortAttempts = 200
)

// PortRange is the half-open range [From, To) of ports handed out to sessions.
type PortRange struct {
	From int
	To   int
}

// DefaultPortRange is the range session SSH ports are picked from.
var DefaultPortRange = PortRange{From: 10000, To: 15000}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.To <= r.From {
		return 0
	}
	return r.To - r.From
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.From, r.To)
}

// Credentials is the SSH identity pushed to a guest for one session.
type Credentials struct {
	Username string
	Password string
	Port     int
}

// GenerateCredentials returns a random username, a 120 character alphanumeric
// password and a port from portRange that can currently be bound on this host.
// At most maxAttempts ports are tried before ErrPortsExhausted.
func GenerateCredentials(portRange PortRange, maxAttempts int) (Credentials, error) {
	suffix, err := randomInt(usernameMinSuffix, usernameMaxSuffix)
	if err != nil {
		return Credentials{}, err
	}

	password, err := randomString(passwordLength, passwordAlphabet)
	if err != nil {
		return Credentials{}, err
	}

	port, err := PickBindablePort(portRange, maxAttempts)
	if err != nil {
		return Credentials{}, err
	}

	return Credentials{
		Username: usernamePrefix + strconv.Itoa(suffix),
		Password: password,
		Port:     port,
	}, nil
}

// PickBindablePort draws random ports from portRange until one is bindable.
func PickBindablePort(portRange PortRange, maxAttempts int) (int, error) {
	if portRange.Size() == 0 {
		return 0, fmt.Errorf("empty port range %s: %w", portRange, ErrPortsExhausted)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxPortAttempts
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		port, err := randomInt(portRange.From, portRange.To)
		if err != nil {
			return 0, err
		}
		if IsPortBindable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("range %s after %d attempts: %w", portRange, maxAttempts, ErrPortsExhausted)
}

// IsPortBindable reports whether a TCP listener can be opened on port.
func IsPortBindable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// randomInt returns a uniform integer in [lo, hi).
func randomInt(lo, hi int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random source: %w", err)
	}
	return lo + int(n.Int64()), nil
}

func randomString(length int, alphabet string) (string, error) {
	buf := make([]byte, length)
	for i := range buf {
		idx, err := randomInt(0, len(alphabet))
		if err != nil {
			return "", err
		}
		buf[i] = alphabet[idx]
	}
	return string(buf), nil
}
