package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
)

// SFTPConfig configures the SSH-transport file-drop sink.
type SFTPConfig struct {
	Addr           string // host:port
	Username       string
	PrivateKeyPEM  []byte
	KnownHostsPath string // host-key pinning, refuses TOFU
	Timeout        time.Duration
}

// SFTPSink delivers files over SSH. The retrieved pack carries
// golang.org/x/crypto but no SFTP client library, so rather than hand-roll
// the SFTP subprotocol (packet framing, handle-based open/write/close) this
// sink drives a remote `cat > path` through a single SSH exec session,
// piping the file over stdin; directory creation is a separate `mkdir -p`
// exec. This covers the file-drop contract the other sinks expose without
// reimplementing RFC-draft SFTP framing by hand.
type SFTPSink struct {
	cfg SFTPConfig
}

// NewSFTPSink builds an SFTPSink.
func NewSFTPSink(cfg SFTPConfig) *SFTPSink {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SFTPSink{cfg: cfg}
}

func (s *SFTPSink) dial() (*ssh.Client, error) {
	signer, err := ssh.ParsePrivateKey(s.cfg.PrivateKeyPEM)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	hostKeyCallback, err := knownhosts.New(s.cfg.KnownHostsPath)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.cfg.Timeout,
	}
	conn, err := net.DialTimeout("tcp", s.cfg.Addr, s.cfg.Timeout)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, s.cfg.Addr, clientCfg)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (s *SFTPSink) put(remotePath string, data []byte) error {
	client, err := s.dial()
	if err != nil {
		return skerr.Wrap(err)
	}
	defer client.Close() //nolint:errcheck

	mkdirSession, err := client.NewSession()
	if err != nil {
		return skerr.Wrap(err)
	}
	dir := remotePath[:lastSlash(remotePath)]
	if dir != "" {
		if err := mkdirSession.Run(fmt.Sprintf("mkdir -p %q", dir)); err != nil {
			mkdirSession.Close() //nolint:errcheck
			return skerr.Wrap(err)
		}
	}
	mkdirSession.Close() //nolint:errcheck

	writeSession, err := client.NewSession()
	if err != nil {
		return skerr.Wrap(err)
	}
	defer writeSession.Close() //nolint:errcheck

	stdin, err := writeSession.StdinPipe()
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := writeSession.Start(fmt.Sprintf("cat > %q", remotePath)); err != nil {
		return skerr.Wrap(err)
	}
	if _, err := io.Copy(stdin, bytes.NewReader(data)); err != nil {
		return skerr.Wrap(err)
	}
	if err := stdin.Close(); err != nil {
		return skerr.Wrap(err)
	}
	return writeSession.Wait()
}

func lastSlash(p string) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return i
		}
	}
	return 0
}

// UploadDICOM implements Sink.
func (s *SFTPSink) UploadDICOM(ctx context.Context, path string, archive []byte) error {
	return s.put(path, archive)
}

// UploadParquet implements Sink.
func (s *SFTPSink) UploadParquet(ctx context.Context, files []ParquetFile) error {
	for _, f := range files {
		if err := s.put(f.Path, f.Data); err != nil {
			return err
		}
	}
	return nil
}
