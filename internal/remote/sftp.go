package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/fruitsalade/rmsync/internal/logging"
	"github.com/fruitsalade/rmsync/internal/metrics"
)

// Config holds SSH connection settings.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	KeyFile        string
	KnownHostsFile string // empty accepts any host key
	Timeout        time.Duration
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SFTPSession implements Session over SFTP. All operations share one
// connection and are serialized by mu.
type SFTPSession struct {
	addr string
	ssh  *ssh.Client

	mu     sync.Mutex
	client *sftp.Client
}

// Dial connects and authenticates to the device.
func Dial(ctx context.Context, cfg Config) (*SFTPSession, error) {
	addr := cfg.Addr()

	clientCfg, err := clientConfig(cfg)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	dialer := net.Dialer{Timeout: clientCfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{Addr: addr, Auth: isAuthFailure(err), Err: err}
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, &ConnectionError{Addr: addr, Err: fmt.Errorf("start sftp subsystem: %w", err)}
	}

	logging.Info("connected to device", logging.String("addr", addr), logging.String("user", cfg.User))
	return &SFTPSession{addr: addr, ssh: sshClient, client: sftpClient}, nil
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", cfg.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no password or key file configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	} else {
		logging.Warn("host key verification disabled", logging.String("host", cfg.Host))
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// ReadDir lists the direct entries of a directory.
func (s *SFTPSession) ReadDir(ctx context.Context, path string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	infos, err := s.client.ReadDir(path)
	metrics.RecordTransfer("list", 0, time.Since(start), err == nil)
	if err != nil {
		return nil, &TransferError{Op: "list", Path: path, Err: err}
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, Entry{
			Name:    info.Name(),
			IsDir:   info.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

// Download reads a whole remote file into memory.
func (s *SFTPSession) Download(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := s.download(path)
	metrics.RecordTransfer("download", int64(len(data)), time.Since(start), err == nil)
	if err != nil {
		return nil, &TransferError{Op: "download", Path: path, Err: err}
	}
	logging.Debug("downloaded", logging.String("path", path), logging.Int64("bytes", int64(len(data))))
	return data, nil
}

func (s *SFTPSession) download(path string) ([]byte, error) {
	f, err := s.client.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Exists reports whether a path exists on the device.
func (s *SFTPSession) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := s.client.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &TransferError{Op: "stat", Path: path, Err: err}
}

// Close ends the SFTP subsystem and the SSH connection.
func (s *SFTPSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.client.Close()
	if s.ssh != nil {
		if sshErr := s.ssh.Close(); err == nil {
			err = sshErr
		}
	}
	return err
}

var _ Session = (*SFTPSession)(nil)
