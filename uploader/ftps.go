package uploader

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
)

// FTPSConfig configures the implicit-TLS FTP sink.
type FTPSConfig struct {
	Addr     string // host:port, implicit TLS
	Username string
	Password string
	Timeout  time.Duration
}

// FTPSSink delivers files over implicit-TLS FTP, creating directories
// lazily (mkdir -p semantics) since FTP has no recursive MKD.
//
// No FTP client library appears anywhere in the retrieved example pack,
// so this sink is a minimal command-channel client built directly on
// crypto/tls and net, talking RFC959 control commands plus passive-mode
// data transfer.
type FTPSSink struct {
	cfg FTPSConfig
}

// NewFTPSSink builds an FTPSSink. Connections are opened per upload
// rather than pooled, matching the low-volume, one-study-at-a-time upload
// pattern this system drives it with.
func NewFTPSSink(cfg FTPSConfig) *FTPSSink {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &FTPSSink{cfg: cfg}
}

type ftpConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

func dialFTPS(cfg FTPSConfig) (*ftpConn, error) {
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: cfg.Timeout}, "tcp", cfg.Addr, &tls.Config{ServerName: hostOf(cfg.Addr)}) //nolint:gosec
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	c := &ftpConn{conn: conn, reader: bufio.NewReader(conn), timeout: cfg.Timeout}
	if _, err := c.readResponse(); err != nil { // welcome banner
		return nil, skerr.Wrap(err)
	}
	if err := c.command("USER %s", cfg.Username); err != nil {
		return nil, skerr.Wrap(err)
	}
	if err := c.command("PASS %s", cfg.Password); err != nil {
		return nil, skerr.Wrap(err)
	}
	if err := c.command("TYPE I"); err != nil {
		return nil, skerr.Wrap(err)
	}
	return c, nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (c *ftpConn) readResponse() (string, error) {
	var last string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return "", skerr.Wrap(err)
		}
		last = strings.TrimRight(line, "\r\n")
		// Multi-line responses use "CODE-text" for continuation lines and
		// "CODE text" (space) for the terminator.
		if len(last) >= 4 && last[3] == ' ' {
			break
		}
	}
	if len(last) < 3 || last[0] < '1' || last[0] > '3' {
		return last, skerr.Fmt("ftps: server error response: %s", last)
	}
	return last, nil
}

func (c *ftpConn) command(format string, args ...interface{}) error {
	cmd := fmt.Sprintf(format, args...)
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return skerr.Wrap(err)
	}
	_, err := c.readResponse()
	return err
}

func (c *ftpConn) commandResponse(format string, args ...interface{}) (string, error) {
	cmd := fmt.Sprintf(format, args...)
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return "", skerr.Wrap(err)
	}
	return c.readResponse()
}

// mkdirAll creates every path segment, ignoring "already exists" errors,
// matching `mkdir -p` semantics.
func (c *ftpConn) mkdirAll(dir string) {
	segments := strings.Split(dir, "/")
	cur := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		cur += "/" + seg
		_ = c.command("MKD %s", cur) // best-effort: a 550 "already exists" is fine
	}
}

func (c *ftpConn) passive() (net.Conn, error) {
	resp, err := c.commandResponse("PASV")
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	open := strings.Index(resp, "(")
	closeIdx := strings.Index(resp, ")")
	if open < 0 || closeIdx < 0 {
		return nil, skerr.Fmt("ftps: unparseable PASV response: %s", resp)
	}
	parts := strings.Split(resp[open+1:closeIdx], ",")
	if len(parts) != 6 {
		return nil, skerr.Fmt("ftps: unparseable PASV address: %s", resp)
	}
	host := strings.Join(parts[:4], ".")
	p1, _ := strconv.Atoi(parts[4])
	p2, _ := strconv.Atoi(parts[5])
	port := p1*256 + p2

	dataConn, err := tls.DialWithDialer(&net.Dialer{Timeout: c.timeout}, "tcp", fmt.Sprintf("%s:%d", host, port), &tls.Config{ServerName: host}) //nolint:gosec
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return dataConn, nil
}

// UploadDICOM implements Sink.
func (s *FTPSSink) UploadDICOM(ctx context.Context, path string, archive []byte) error {
	return s.put(path, archive)
}

// UploadParquet implements Sink.
func (s *FTPSSink) UploadParquet(ctx context.Context, files []ParquetFile) error {
	for _, f := range files {
		if err := s.put(f.Path, f.Data); err != nil {
			return err
		}
	}
	return nil
}

func (s *FTPSSink) put(remotePath string, data []byte) error {
	c, err := dialFTPS(s.cfg)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer c.command("QUIT") //nolint:errcheck

	dir := path.Dir(remotePath)
	if dir != "." && dir != "/" {
		c.mkdirAll(dir)
	}

	dataConn, err := c.passive()
	if err != nil {
		return skerr.Wrap(err)
	}
	if _, err := fmt.Fprintf(c.conn, "STOR %s\r\n", remotePath); err != nil {
		dataConn.Close() //nolint:errcheck
		return skerr.Wrap(err)
	}
	if _, err := c.readResponse(); err != nil { // 150 "opening data connection"
		dataConn.Close() //nolint:errcheck
		return skerr.Wrap(err)
	}
	if _, err := dataConn.Write(data); err != nil {
		dataConn.Close() //nolint:errcheck
		return skerr.Wrap(err)
	}
	if err := dataConn.Close(); err != nil {
		return skerr.Wrap(err)
	}
	_, err = c.readResponse() // 226 transfer complete
	return err
}
