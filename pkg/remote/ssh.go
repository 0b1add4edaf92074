package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/mslinn/umtest/pkg/config"
	"github.com/mslinn/umtest/pkg/logging"
)

// SSHConfig holds the parameters of SSH connections.
type SSHConfig struct {
	User       string
	Port       int
	KeyFile    string // private key; empty tries the usual files in ~/.ssh
	KnownHosts string // known_hosts file; empty disables host key checking
	Timeout    time.Duration
}

// SSHConfigFrom extracts the SSH parameters from cfg.
func SSHConfigFrom(cfg *config.Config) SSHConfig {
	return SSHConfig{
		User:       cfg.SSHUser,
		Port:       cfg.SSHPort,
		KeyFile:    cfg.GetSSHKey(),
		KnownHosts: cfg.GetKnownHosts(),
		Timeout:    cfg.ConnectTimeout,
	}
}

// SSHDialer opens SSH connections. One connection carries every session to
// a host.
type SSHDialer struct {
	port    int
	timeout time.Duration
	config  *ssh.ClientConfig
	agent   net.Conn
}

// NewSSHDialer builds a dialer from cfg. Authentication uses the key file
// and, when SSH_AUTH_SOCK is set, the SSH agent.
func NewSSHDialer(cfg SSHConfig, logger *log.Logger) (*SSHDialer, error) {
	logger = logging.Or(logger)
	d := &SSHDialer{port: cfg.Port, timeout: cfg.Timeout}
	if d.port == 0 {
		d.port = 22
	}

	var auth []ssh.AuthMethod
	signers, err := loadSigners(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			logger.Warn("cannot reach ssh agent", "socket", sock, "err", err)
		} else {
			d.agent = conn
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(auth) == 0 {
		return nil, &config.ConfigurationError{Key: "ssh_key", Reason: "no private key found and no ssh agent available"}
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		hostKey, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to read known hosts: %w", err)
		}
	} else {
		logger.Warn("host key checking disabled, set known_hosts to enable it")
	}

	d.config = &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	}
	return d, nil
}

// loadSigners reads keyFile, or the default identities when keyFile is empty.
func loadSigners(keyFile string) ([]ssh.Signer, error) {
	files := []string{keyFile}
	if keyFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		files = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_ecdsa"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}

	var signers []ssh.Signer
	for _, f := range files {
		pem, err := os.ReadFile(f)
		if err != nil {
			if keyFile == "" && os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			if keyFile == "" {
				continue
			}
			return nil, fmt.Errorf("failed to parse ssh key %s: %w", f, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

// Dial connects to host.
func (d *SSHDialer) Dial(ctx context.Context, host string) (Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(d.port))
	nd := net.Dialer{Timeout: d.timeout}
	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if d.timeout > 0 {
		nc.SetDeadline(time.Now().Add(d.timeout))
	}
	// Canceling ctx aborts the handshake by closing the socket under it.
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, d.config)
	if !stop() {
		if err == nil {
			c.Close()
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	}
	if err != nil {
		nc.Close()
		return nil, err
	}
	nc.SetDeadline(time.Time{})
	return &sshClient{client: ssh.NewClient(c, chans, reqs)}, nil
}

// Close releases the agent connection.
func (d *SSHDialer) Close() error {
	if d.agent == nil {
		return nil
	}
	return d.agent.Close()
}

type sshClient struct {
	client *ssh.Client
}

func (c *sshClient) NewSession() (Session, error) {
	s, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &sshSession{s: s}, nil
}

// Ping sends a keepalive request; any reply, even a refusal, proves the
// connection is alive.
func (c *sshClient) Ping() error {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (c *sshClient) Upload(src io.Reader, dst string, mode os.FileMode) error {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("failed to start sftp: %w", err)
	}
	defer client.Close()

	if dir := path.Dir(dst); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	f, err := client.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return client.Chmod(dst, mode)
}

func (c *sshClient) Close() error {
	return c.client.Close()
}

type sshSession struct {
	s *ssh.Session
}

func (s *sshSession) SetOutput(stdout, stderr io.Writer) {
	s.s.Stdout = stdout
	s.s.Stderr = stderr
}

func (s *sshSession) Start(cmd string) error {
	return s.s.Start(cmd)
}

func (s *sshSession) Wait() error {
	err := s.s.Wait()
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Status: exitErr.ExitStatus(), Signal: exitErr.Signal()}
	}
	return err
}

func (s *sshSession) Signal(name string) error {
	return s.s.Signal(ssh.Signal(name))
}

func (s *sshSession) Close() error {
	if err := s.s.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
