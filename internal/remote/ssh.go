package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/shawl-hpc/shawl/internal/constants"
	"github.com/shawl-hpc/shawl/internal/diskspace"
	"github.com/shawl-hpc/shawl/internal/logging"
	"github.com/shawl-hpc/shawl/internal/progress"
	"github.com/shawl-hpc/shawl/internal/validation"
)

// SSHConfig holds what is needed to open a session.
type SSHConfig struct {
	Host     string // host or host:port
	Username string
	Password string

	// KnownHostsFile is checked when it exists; unknown hosts are accepted
	// and logged, mismatched keys are rejected.
	KnownHostsFile string
}

// ReporterFactory returns a progress reporter for one transfer.
type ReporterFactory func(description string) progress.Reporter

// SSHSession is a Session over SSH with SFTP for file transfer.
// One client is shared; commands open their own channel.
type SSHSession struct {
	mu     sync.RWMutex
	cfg    SSHConfig
	client *ssh.Client
	sftp   *sftp.Client

	logger      *logging.Logger
	newReporter ReporterFactory
}

// NewSSHSession creates an unconnected session. Call Reconnect to connect.
func NewSSHSession(cfg SSHConfig, logger *logging.Logger) *SSHSession {
	return &SSHSession{
		cfg:    cfg,
		logger: logger,
		newReporter: func(string) progress.Reporter {
			return progress.NewNoOpProgress()
		},
	}
}

// SetProgress sets the reporter factory used by Push and Pull.
func (s *SSHSession) SetProgress(f ReporterFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newReporter = f
}

// SetCredentials replaces the connection parameters and drops the current
// connection. The next Reconnect uses the new values.
func (s *SSHSession) SetCredentials(host, username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	s.cfg.Host = host
	s.cfg.Username = username
	s.cfg.Password = password
}

func hostAddress(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(constants.SSHPort))
}

func (s *SSHSession) hostKeyCallback() ssh.HostKeyCallback {
	if s.cfg.KnownHostsFile != "" {
		if _, err := os.Stat(s.cfg.KnownHostsFile); err == nil {
			cb, err := knownhosts.New(s.cfg.KnownHostsFile)
			if err == nil {
				return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
					err := cb(hostname, remote, key)
					var keyErr *knownhosts.KeyError
					if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
						s.logger.Warn().Str("host", hostname).Msg("Host not in known_hosts, accepting key")
						return nil
					}
					return err
				}
			}
			s.logger.Warn().Err(err).Msg("Could not read known_hosts, host key not verified")
		}
	}
	return ssh.InsecureIgnoreHostKey()
}

// Reconnect dials again unless the current connection still answers a
// keepalive, so callers that saw the same dead session share one dial.
func (s *SSHSession) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && s.sftp != nil && keepalive(ctx, s.client) {
		return nil
	}
	s.closeLocked()

	if s.cfg.Host == "" || s.cfg.Username == "" {
		return fmt.Errorf("%w: host and username are required", ErrNotConnected)
	}

	addr := hostAddress(s.cfg.Host)
	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(s.cfg.Password)},
		HostKeyCallback: s.hostKeyCallback(),
		Timeout:         constants.SSHDialTimeout,
	}

	dialer := net.Dialer{Timeout: constants.SSHDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to start sftp: %w", err)
	}

	s.client = client
	s.sftp = sc
	s.logger.Info().Str("host", addr).Str("user", s.cfg.Username).Msg("Connected")
	return nil
}

// IsAlive sends a keepalive request on the current connection.
func (s *SSHSession) IsAlive(ctx context.Context) bool {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return false
	}
	return keepalive(ctx, client)
}

func keepalive(ctx context.Context, client *ssh.Client) bool {
	done := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest(constants.SSHKeepaliveRequest, true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		return err == nil
	case <-ctx.Done():
		return false
	}
}

func (s *SSHSession) clients() (*ssh.Client, *sftp.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil || s.sftp == nil {
		return nil, nil, ErrNotConnected
	}
	return s.client, s.sftp, nil
}

// Execute runs command in a new channel. A nonzero exit is reported in
// Result.ExitCode, not as an error.
func (s *SSHSession) Execute(ctx context.Context, command string) (Result, error) {
	client, _, err := s.clients()
	if err != nil {
		return Result{}, err
	}
	sess, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("command failed: %w", err)
	}
	return res, nil
}

type transferEntry struct {
	rel  string // slash-separated, relative to the root
	dir  bool
	size int64
}

// Push copies localPath to remotePath.
func (s *SSHSession) Push(ctx context.Context, localPath, remotePath string, recursive bool) error {
	_, sc, err := s.clients()
	if err != nil {
		return err
	}

	var entries []transferEntry
	if recursive {
		err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(localPath, p)
			if err != nil || rel == "." {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if !d.IsDir() && !info.Mode().IsRegular() {
				return nil // sockets, devices, dangling links
			}
			entries = append(entries, transferEntry{rel: filepath.ToSlash(rel), dir: d.IsDir(), size: info.Size()})
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", localPath, err)
		}
		if err := sc.MkdirAll(remotePath); err != nil {
			return fmt.Errorf("failed to create remote %s: %w", remotePath, err)
		}
	} else {
		info, err := os.Stat(localPath)
		if err != nil {
			return err
		}
		entries = []transferEntry{{size: info.Size()}}
	}

	reporter := s.reporter("Uploading " + filepath.Base(localPath))
	reporter.Start(totalSize(entries), "Uploading "+filepath.Base(localPath))
	counter := progress.NewCounter(reporter)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			reporter.Error(err)
			return err
		}
		src, dst := localPath, remotePath
		if recursive {
			src = filepath.Join(localPath, filepath.FromSlash(e.rel))
			dst = path.Join(remotePath, e.rel)
		}
		if e.dir {
			if err := sc.MkdirAll(dst); err != nil {
				reporter.Error(err)
				return fmt.Errorf("failed to create remote %s: %w", dst, err)
			}
			continue
		}
		if err := pushFile(sc, src, dst, counter); err != nil {
			reporter.Error(err)
			return err
		}
	}
	reporter.Finish()
	return nil
}

func pushFile(sc *sftp.Client, src, dst string, counter *progress.Counter) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := sc.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create remote %s: %w", dst, err)
	}
	buf := make([]byte, constants.SFTPCopyBufferSize)
	if _, err := io.CopyBuffer(out, progress.NewProgressReader(in, counter), buf); err != nil {
		out.Close()
		return fmt.Errorf("failed to upload %s: %w", src, err)
	}
	return out.Close()
}

// Pull copies remotePath to localPath.
func (s *SSHSession) Pull(ctx context.Context, remotePath, localPath string, recursive bool) error {
	_, sc, err := s.clients()
	if err != nil {
		return err
	}

	remotePath = path.Clean(remotePath)
	var entries []transferEntry
	if recursive {
		walker := sc.Walk(remotePath)
		for walker.Step() {
			if err := walker.Err(); err != nil {
				return fmt.Errorf("failed to list %s: %w", remotePath, err)
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), remotePath), "/")
			if rel == "" {
				if !walker.Stat().IsDir() {
					return fmt.Errorf("remote %s is not a directory", remotePath)
				}
				continue
			}
			for _, part := range strings.Split(rel, "/") {
				if err := validation.ValidateFilename(part); err != nil {
					return fmt.Errorf("refusing remote entry %q: %w", rel, err)
				}
			}
			info := walker.Stat()
			if !info.IsDir() && !info.Mode().IsRegular() {
				continue
			}
			entries = append(entries, transferEntry{rel: rel, dir: info.IsDir(), size: info.Size()})
		}
		if err := os.MkdirAll(localPath, 0755); err != nil {
			return err
		}
	} else {
		info, err := sc.Stat(remotePath)
		if err != nil {
			return fmt.Errorf("failed to stat remote %s: %w", remotePath, err)
		}
		entries = []transferEntry{{size: info.Size()}}
	}

	spaceDir := localPath
	if !recursive {
		spaceDir = filepath.Dir(localPath)
	}
	if err := diskspace.CheckAvailableSpace(spaceDir, totalSize(entries), constants.DiskSpaceSafetyMargin); err != nil {
		return err
	}

	reporter := s.reporter("Downloading " + path.Base(remotePath))
	reporter.Start(totalSize(entries), "Downloading "+path.Base(remotePath))
	counter := progress.NewCounter(reporter)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			reporter.Error(err)
			return err
		}
		src, dst := remotePath, localPath
		if recursive {
			src = path.Join(remotePath, e.rel)
			dst = filepath.Join(localPath, filepath.FromSlash(e.rel))
			if err := validation.ValidatePathInDirectory(dst, localPath); err != nil {
				reporter.Error(err)
				return err
			}
		}
		if e.dir {
			if err := os.MkdirAll(dst, 0755); err != nil {
				reporter.Error(err)
				return err
			}
			continue
		}
		if err := pullFile(sc, src, dst, counter); err != nil {
			reporter.Error(err)
			return err
		}
	}
	reporter.Finish()
	return nil
}

func pullFile(sc *sftp.Client, src, dst string, counter *progress.Counter) error {
	in, err := sc.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open remote %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	buf := make([]byte, constants.SFTPCopyBufferSize)
	if _, err := io.CopyBuffer(out, progress.NewProgressReader(in, counter), buf); err != nil {
		out.Close()
		return fmt.Errorf("failed to download %s: %w", src, err)
	}
	return out.Close()
}

func (s *SSHSession) reporter(desc string) progress.Reporter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newReporter(desc)
}

func totalSize(entries []transferEntry) int64 {
	var n int64
	for _, e := range entries {
		if !e.dir {
			n += e.size
		}
	}
	return n
}

// Close drops the connection.
func (s *SSHSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SSHSession) closeLocked() error {
	var err error
	if s.sftp != nil {
		err = s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		if cerr := s.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.client = nil
	}
	return err
}
