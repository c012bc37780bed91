package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"media-pipeline/internal/pool"
)

// Conn is one leased session to the storage endpoint
type Conn interface {
	// Mkdir creates a single directory. An existing directory yields an
	// error matching fs.ErrExist.
	Mkdir(path string) error
	Chmod(path string, mode os.FileMode) error
	Put(ctx context.Context, src io.Reader, remotePath string) (int64, error)
	Close() error
}

// SSHConfig describes how to reach the storage endpoint
type SSHConfig struct {
	Host             string
	Port             int
	User             string
	Password         string
	PrivateKeyPath   string
	KnownHostsPath   string
	HandshakeTimeout time.Duration
}

// NewDialer validates credentials once and returns a dial function for the pool
func NewDialer(cfg SSHConfig, logger *zap.Logger) (pool.DialFunc[Conn], error) {
	if cfg.Host == "" {
		return nil, errors.New("remote host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 100 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		pem, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("remote password or private key is required")
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeys = cb
	} else {
		logger.Warn("remote host key verification disabled; set VPS_KNOWN_HOSTS")
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.HandshakeTimeout,
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	return func(ctx context.Context) (Conn, error) {
		return dialSFTP(ctx, addr, clientCfg)
	}, nil
}

func dialSFTP(ctx context.Context, addr string, cfg *ssh.ClientConfig) (Conn, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	// bound the whole handshake, not only the TCP connect
	_ = nc.SetDeadline(time.Now().Add(cfg.Timeout))
	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = nc.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(sc, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}
	return &sftpConn{ssh: sshClient, client: client}, nil
}

type sftpConn struct {
	ssh    *ssh.Client
	client *sftp.Client
}

func (c *sftpConn) Mkdir(p string) error {
	err := c.client.Mkdir(p)
	if err == nil {
		return nil
	}
	// servers disagree on the status code for an existing directory
	if info, statErr := c.client.Stat(p); statErr == nil && info.IsDir() {
		return fmt.Errorf("mkdir %s: %w", p, fs.ErrExist)
	}
	return classify(fmt.Errorf("mkdir %s: %w", p, err))
}

func (c *sftpConn) Chmod(p string, mode os.FileMode) error {
	return classify(c.client.Chmod(p, mode))
}

func (c *sftpConn) Put(ctx context.Context, src io.Reader, remotePath string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dst, err := c.client.Create(remotePath)
	if err != nil {
		return 0, classify(fmt.Errorf("create %s: %w", remotePath, err))
	}
	n, err := dst.ReadFrom(src)
	closeErr := dst.Close()
	if err != nil {
		return n, classify(fmt.Errorf("write %s: %w", remotePath, err))
	}
	if closeErr != nil {
		return n, classify(fmt.Errorf("close %s: %w", remotePath, closeErr))
	}
	return n, nil
}

func (c *sftpConn) Close() error {
	err := c.client.Close()
	if sshErr := c.ssh.Close(); sshErr != nil && !errors.Is(sshErr, net.ErrClosed) {
		err = errors.Join(err, sshErr)
	}
	return err
}

// classify tags transport-level failures so the pool discards the session
func classify(err error) error {
	if err == nil {
		return nil
	}
	var opErr *net.OpError
	switch {
	case errors.Is(err, sftp.ErrSSHFxConnectionLost),
		errors.Is(err, sftp.ErrSSHFxNoConnection),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.As(err, &opErr):
		return fmt.Errorf("%w: %w", pool.ErrBrokenConn, err)
	}
	return err
}
