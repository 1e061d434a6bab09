package transfer

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHBackend is the production Backend: local copies go through the
// filesystem directly, cross-host copies go through an SSH session
// running a single `cat > dst` redirect, the same trusted-any-host-key
// posture transport.SSHTunnelTransport takes when no known_hosts file
// is configured. Host credentials are resolved per target host by
// CredentialResolver, since a worker pool spans more than one account.
type SSHBackend struct {
	log      *slog.Logger
	resolver CredentialResolver
}

// CredentialResolver looks up the SSH client config to use when
// dialing host. Deployments wire this to their inventory/secrets
// source; a nil resolver falls back to key-based auth from the
// invoking user's default identity and an open host-key policy.
type CredentialResolver interface {
	Resolve(host string) (*ssh.ClientConfig, error)
}

// NewSSHBackend builds a Backend using resolver for cross-host
// credentials. A nil resolver uses defaultResolver.
func NewSSHBackend(log *slog.Logger, resolver CredentialResolver) *SSHBackend {
	if log == nil {
		log = slog.Default()
	}
	if resolver == nil {
		resolver = defaultResolver{}
	}
	return &SSHBackend{log: log.With("component", "transfer.backend"), resolver: resolver}
}

// CopyLocal copies src to dst on the shared filesystem. An atomic move
// is attempted first when atomicPreferred and the caller does not need
// the source preserved; os.Rename fails across filesystems, in which
// case it falls back to a copy-then-remove.
func (b *SSHBackend) CopyLocal(src, dst string, atomicPreferred, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(dst); err == nil {
			return fmt.Errorf("destination %s already exists", dst)
		}
	}
	if atomicPreferred {
		if err := os.Rename(src, dst); err == nil {
			return nil
		}
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	if atomicPreferred {
		_ = os.Remove(src)
	}
	return nil
}

// CopySSH streams srcPath on srcHost to tgtPath on tgtHost through a
// single SSH session per hop, piping `cat srcPath` into `cat > tgtPath`
// without ever landing the bytes on this process's disk.
func (b *SSHBackend) CopySSH(ctx context.Context, srcHost, srcPath, tgtHost, tgtPath string) error {
	srcCfg, err := b.resolver.Resolve(srcHost)
	if err != nil {
		return fmt.Errorf("resolve credentials for %s: %w", srcHost, err)
	}
	srcClient, err := dialContext(ctx, srcHost, srcCfg)
	if err != nil {
		return fmt.Errorf("dial source host %s: %w", srcHost, err)
	}
	defer srcClient.Close()

	tgtCfg, err := b.resolver.Resolve(tgtHost)
	if err != nil {
		return fmt.Errorf("resolve credentials for %s: %w", tgtHost, err)
	}
	tgtClient, err := dialContext(ctx, tgtHost, tgtCfg)
	if err != nil {
		return fmt.Errorf("dial target host %s: %w", tgtHost, err)
	}
	defer tgtClient.Close()

	srcSession, err := srcClient.NewSession()
	if err != nil {
		return fmt.Errorf("open source session: %w", err)
	}
	defer srcSession.Close()

	pipe, err := srcSession.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attach source stdout: %w", err)
	}
	if err := srcSession.Start(fmt.Sprintf("cat %s", shellQuote(srcPath))); err != nil {
		return fmt.Errorf("start source read: %w", err)
	}

	tgtSession, err := tgtClient.NewSession()
	if err != nil {
		return fmt.Errorf("open target session: %w", err)
	}
	defer tgtSession.Close()
	tgtSession.Stdin = pipe
	if out, err := tgtSession.Output(fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(filepath.Dir(tgtPath)), shellQuote(tgtPath))); err != nil {
		return fmt.Errorf("target write failed: %w (output: %s)", err, out)
	}
	return srcSession.Wait()
}

// Serialize gob-encodes obj to tgtPath, the wire format for returned
// objects the runtime itself produced rather than a worker-native file.
func (b *SSHBackend) Serialize(obj any, tgtPath string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(obj); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(tgtPath), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	return os.WriteFile(tgtPath, buf.Bytes(), 0o644)
}

func dialContext(ctx context.Context, host string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", hostWithPort(host))
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, hostWithPort(host), cfg)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func hostWithPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "22")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type defaultResolver struct{}

func (defaultResolver) Resolve(host string) (*ssh.ClientConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	key, err := os.ReadFile(filepath.Join(home, ".ssh", "id_rsa"))
	if err != nil {
		return nil, fmt.Errorf("read default identity: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse default identity: %w", err)
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "compss"
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}, nil
}
