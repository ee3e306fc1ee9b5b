package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPConfig configures access to artifacts on SSH hosts.
type SFTPConfig struct {
	// User is used when the location carries no user.
	User string

	// PrivateKeyPath is the key used for public key authentication.
	PrivateKeyPath string

	// PrivateKeyPassphrase decrypts the private key, if set.
	PrivateKeyPassphrase string

	// Password enables password authentication when set.
	Password string

	// KnownHostsPath enables host key verification. Empty accepts any host key.
	KnownHostsPath string

	// ConnectionTimeout bounds the SSH handshake.
	ConnectionTimeout time.Duration

	MaxSize int64
}

// SFTPSource fetches sftp://[user@]host[:port]/path locations. One SSH
// connection is kept per host and replaced when it breaks.
type SFTPSource struct {
	config SFTPConfig
	auth   []ssh.AuthMethod
	hostCB ssh.HostKeyCallback
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*sftpConn
}

type sftpConn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

// NewSFTPSource creates an SFTP source.
func NewSFTPSource(cfg SFTPConfig, logger zerolog.Logger) (*SFTPSource, error) {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}

	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if cfg.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(cfg.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("sftp source needs a private key or password")
	}

	hostCB := ssh.InsecureIgnoreHostKey() //nolint:gosec // only when no known_hosts file is configured
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostCB = cb
	}

	return &SFTPSource{
		config:  cfg,
		auth:    auth,
		hostCB:  hostCB,
		logger:  logger.With().Str("component", "sftp-source").Logger(),
		clients: make(map[string]*sftpConn),
	}, nil
}

// Fetch reads the remote file at location.
func (s *SFTPSource) Fetch(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme != "sftp" || u.Host == "" {
		return nil, &SourceError{Op: "fetch", Location: location, Err: fmt.Errorf("invalid sftp location")}
	}

	user := s.config.User
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), strconv.Itoa(22))
	}

	client, err := s.client(ctx, user, addr)
	if err != nil {
		return nil, &SourceError{Op: "connect", Location: location, Err: err, Temporary: true}
	}

	f, err := client.Open(u.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &SourceError{Op: "fetch", Location: location, Err: ErrNotFound}
		}
		s.drop(user, addr)
		return nil, &SourceError{Op: "fetch", Location: location, Err: err, Temporary: true}
	}
	defer f.Close()

	data, err := readLimited(f, s.config.MaxSize)
	if err != nil {
		s.drop(user, addr)
		return nil, &SourceError{Op: "read", Location: location, Err: err, Temporary: true}
	}
	return data, nil
}

func (s *SFTPSource) client(ctx context.Context, user, addr string) (*sftp.Client, error) {
	key := user + "@" + addr

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[key]; ok {
		return c.sftp, nil
	}

	dialer := net.Dialer{Timeout: s.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            s.auth,
		HostKeyCallback: s.hostCB,
		Timeout:         s.config.ConnectionTimeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	s.clients[key] = &sftpConn{ssh: sshClient, sftp: sftpClient}
	s.logger.Debug().Str("address", addr).Str("user", user).Msg("SFTP connection established")
	return sftpClient, nil
}

func (s *SFTPSource) drop(user, addr string) {
	key := user + "@" + addr

	s.mu.Lock()
	c, ok := s.clients[key]
	delete(s.clients, key)
	s.mu.Unlock()

	if ok {
		_ = c.sftp.Close()
		_ = c.ssh.Close()
	}
}

// Close closes every open connection.
func (s *SFTPSource) Close() error {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*sftpConn)
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.sftp.Close()
		_ = c.ssh.Close()
	}
	return nil
}
