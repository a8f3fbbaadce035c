package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultPort is the SSH port used when a target does not name one.
const DefaultPort = 22

// PreferredCiphers lists the AEAD ciphers offered first during the handshake.
var PreferredCiphers = []string{
	"chacha20-poly1305@openssh.com",
	"aes256-gcm@openssh.com",
	"aes128-gcm@openssh.com",
	"aes256-ctr",
	"aes128-ctr",
}

var (
	// ErrNoAuthMethod is returned when neither a password, an identity file
	// nor an ssh-agent is available.
	ErrNoAuthMethod = errors.New("no ssh authentication method available")

	// ErrAuthFailed is returned when the server rejects every auth method.
	ErrAuthFailed = errors.New("ssh authentication failed")

	// ErrHostKey is returned when strict host key checking rejects the server.
	ErrHostKey = errors.New("host key verification failed")
)

// SSHConfig describes how to reach and authenticate against a remote host.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	IdentityFile   string
	KnownHostsFile string
	// StrictHostKey rejects hosts whose key is missing from KnownHostsFile.
	StrictHostKey bool
	Ciphers       []string
	Timeout       time.Duration
	// MaxSessions bounds the SFTP channels opened concurrently on the host.
	MaxSessions int
}

// Addr returns host:port.
func (c SSHConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// ParseTarget splits a "[user@]host[:port]" target. Missing parts keep the
// values already present in base.
func ParseTarget(target string, base SSHConfig) (SSHConfig, error) {
	cfg := base
	if target == "" {
		return cfg, fmt.Errorf("empty host")
	}
	if err := DetectScheme(target); err != nil {
		return cfg, err
	}

	if at := strings.LastIndex(target, "@"); at >= 0 {
		cfg.User = target[:at]
		target = target[at+1:]
	}

	host := target
	if h, p, err := net.SplitHostPort(target); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return cfg, fmt.Errorf("invalid port %q", p)
		}
		host, cfg.Port = h, port
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return cfg, fmt.Errorf("empty host in %q", target)
	}
	cfg.Host = host

	if cfg.User == "" {
		if u, err := user.Current(); err == nil {
			cfg.User = u.Username
		}
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return cfg, nil
}

func (c SSHConfig) clientConfig() (*ssh.ClientConfig, func(), error) {
	auths, cleanup, err := c.authMethods()
	if err != nil {
		return nil, nil, err
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKey {
		hostKey, err = knownhosts.New(ExpandHome(c.KnownHostsFile))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	cfg := &ssh.ClientConfig{
		User:            c.User,
		Auth:            auths,
		HostKeyCallback: hostKey,
		Timeout:         c.Timeout,
	}
	cfg.Ciphers = c.Ciphers
	if len(cfg.Ciphers) == 0 {
		cfg.Ciphers = PreferredCiphers
	}
	return cfg, cleanup, nil
}

// authMethods returns the configured methods in the order password, identity
// file, ssh-agent.
func (c SSHConfig) authMethods() ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	cleanup := func() {}

	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}

	if c.IdentityFile != "" {
		key, err := os.ReadFile(ExpandHome(c.IdentityFile))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read identity file: %w", err)
		}
		var signer ssh.Signer
		if c.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(c.Password))
			if err != nil {
				signer, err = ssh.ParsePrivateKey(key)
			}
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse identity file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			cleanup = func() { conn.Close() }
		}
	}

	if len(methods) == 0 {
		return nil, nil, ErrNoAuthMethod
	}
	return methods, cleanup, nil
}

// dial opens an authenticated SSH connection. The dial honours ctx; the
// handshake is bounded by Timeout.
func (c SSHConfig) dial(ctx context.Context) (*ssh.Client, func(), error) {
	cfg, cleanup, err := c.clientConfig()
	if err != nil {
		return nil, nil, err
	}

	addr := c.Addr()
	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if c.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		cleanup()
		var keyErr *knownhosts.KeyError
		switch {
		case errors.As(err, &keyErr):
			return nil, nil, fmt.Errorf("%s: %w: %v", addr, ErrHostKey, err)
		case strings.Contains(err.Error(), "unable to authenticate"):
			return nil, nil, fmt.Errorf("%s@%s: %w: %v", c.User, addr, ErrAuthFailed, err)
		}
		return nil, nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), cleanup, nil
}

// ExpandHome replaces a leading ~ with the current user's home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
