package xcpngtests

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// sshDialTimeout bounds connection establishment only; running
// commands has no client-side timeout, a blocked call can only end
// with the remote command completing or the transport failing.
const sshDialTimeout = 10 * time.Second

// transportExitCode is the exit code the OpenSSH client reserves for
// its own failures. A remote command reporting it is treated as a
// transport failure too, since no meaningful exit code survived.
const transportExitCode = 255

// Result is the structured outcome of a remote command. Stderr is
// merged into Stdout, mirroring how the management CLI reports errors.
type Result struct {
	Stdout   []byte
	ExitCode int
}

// Output returns the decoded, whitespace-trimmed command output.
func (r *Result) Output() string {
	return strings.TrimSpace(string(r.Stdout))
}

// SSHError is a transport-level failure: connection refused, auth
// failure, or the distinguished exit code 255. It is raised even for
// callers that opted out of exit-code checking, because no exit code
// is meaningful when the transport failed.
type SSHError struct {
	Host   string
	Output string
	Err    error
}

func (e *SSHError) Error() string {
	msg := fmt.Sprintf("SSH error on %s", e.Host)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SSHError) Unwrap() error { return e.Err }

// CommandError is a remote command that ran and exited nonzero.
type CommandError struct {
	Host     string
	Command  string
	ExitCode int
	Stdout   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed on %s with exit code %d", e.Command, e.Host, e.ExitCode)
	if e.Stdout != "" {
		msg += ": " + e.Stdout
	}
	return msg
}

// Runner executes commands and transfers files against a host
// identity. The production implementation speaks SSH/SFTP; tests
// substitute a scripted fake.
type Runner interface {
	// Run executes command on host and returns its merged output and
	// exit code. Transport failures return an *SSHError; a nonzero
	// exit is NOT an error at this layer.
	Run(host, command string) (*Result, error)
	Put(host, remotePath string, contents []byte) error
	Get(host, remotePath string) ([]byte, error)
}

// Gateway is the remote execution layer every handle goes through.
type Gateway struct {
	opts   *Options
	data   *Data
	runner Runner
	log    *zap.SugaredLogger
}

// NewGateway returns a Gateway speaking SSH as root to its targets.
func NewGateway(opts *Options, data *Data) *Gateway {
	return NewGatewayWithRunner(opts, data, &sshRunner{opts: opts, data: data})
}

// NewGatewayWithRunner returns a Gateway backed by a custom Runner.
func NewGatewayWithRunner(opts *Options, data *Data, runner Runner) *Gateway {
	if opts.Logger != nil {
		pkgLogger = opts.Logger
	}
	return &Gateway{opts: opts, data: data, runner: runner, log: opts.log()}
}

func (g *Gateway) Data() *Data { return g.data }

// SSH runs a command and returns its trimmed output, failing on any
// nonzero exit code.
func (g *Gateway) SSH(host string, cmd []string) (string, error) {
	res, err := g.SSHWithResult(host, cmd)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &CommandError{
			Host:     host,
			Command:  strings.Join(cmd, " "),
			ExitCode: res.ExitCode,
			Stdout:   res.Output(),
		}
	}
	return res.Output(), nil
}

// SSHWithResult runs a command and returns the structured result
// without checking the exit code. Transport failures still error.
func (g *Gateway) SSHWithResult(host string, cmd []string) (*Result, error) {
	command := strings.Join(cmd, " ")
	res, err := g.runner.Run(host, command)
	if err != nil {
		return nil, err
	}
	g.log.Debugf("[%s] %s -> %d\n%s", host, command, res.ExitCode,
		truncateLines(res.Output(), g.opts.SSHOutputMaxLines))
	return res, nil
}

// SSHBackground fires a command detached on the host and returns
// without collecting its output.
func (g *Gateway) SSHBackground(host string, cmd []string) error {
	command := fmt.Sprintf("nohup %s &>/dev/null &", strings.Join(cmd, " "))
	_, err := g.runner.Run(host, command)
	return err
}

// WriteFile writes contents to a remote path.
func (g *Gateway) WriteFile(host, remotePath string, contents []byte) error {
	return g.runner.Put(host, remotePath, contents)
}

// ReadFile reads a remote file.
func (g *Gateway) ReadFile(host, remotePath string) ([]byte, error) {
	return g.runner.Get(host, remotePath)
}

// truncateLines keeps the last max lines of s, so error tails stay
// visible in logs.
func truncateLines(s string, max int) string {
	if max <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= max {
		return s
	}
	kept := lines[len(lines)-max:]
	return fmt.Sprintf("... (%d lines skipped)\n%s", len(lines)-max, strings.Join(kept, "\n"))
}

// sshRunner is the production Runner: one SSH connection per command,
// like the subprocess-per-command model it replaces. Host keys are
// not checked: on a test network IPs get reused and hosts get
// reinstalled constantly.
type sshRunner struct {
	opts *Options
	data *Data
}

func (r *sshRunner) clientConfig(host string) *ssh.ClientConfig {
	creds := r.data.CredentialsFor(host)
	cfg := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            []ssh.AuthMethod{ssh.Password(creds.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}
	if r.opts.IgnoreSSHBanner {
		cfg.BannerCallback = func(string) error { return nil }
	} else {
		cfg.BannerCallback = func(banner string) error {
			r.opts.log().Debugf("[%s] banner: %s", host, strings.TrimSpace(banner))
			return nil
		}
	}
	return cfg
}

func (r *sshRunner) dial(host string) (*ssh.Client, error) {
	client, err := ssh.Dial("tcp", net.JoinHostPort(host, "22"), r.clientConfig(host))
	if err != nil {
		return nil, &SSHError{Host: host, Err: err}
	}
	return client, nil
}

func (r *sshRunner) Run(host, command string) (*Result, error) {
	client, err := r.dial(host)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return nil, &SSHError{Host: host, Err: err}
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out

	runErr := sess.Run(command)
	res := &Result{Stdout: out.Bytes()}
	switch e := runErr.(type) {
	case nil:
	case *ssh.ExitError:
		res.ExitCode = e.ExitStatus()
		if res.ExitCode == transportExitCode {
			return nil, &SSHError{Host: host, Output: res.Output(), Err: runErr}
		}
	default:
		// Includes *ssh.ExitMissingError: the session died without
		// reporting a status, which is a transport failure.
		return nil, &SSHError{Host: host, Output: res.Output(), Err: runErr}
	}
	return res, nil
}

func (r *sshRunner) Put(host, remotePath string, contents []byte) error {
	client, err := r.dial(host)
	if err != nil {
		return err
	}
	defer client.Close()

	ftp, err := sftp.NewClient(client)
	if err != nil {
		return &SSHError{Host: host, Err: err}
	}
	defer ftp.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := ftp.MkdirAll(dir); err != nil {
			return fmt.Errorf("creating %s on %s: %w", dir, host, err)
		}
	}
	f, err := ftp.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("opening %s on %s: %w", remotePath, host, err)
	}
	defer f.Close()
	if _, err := f.Write(contents); err != nil {
		return fmt.Errorf("writing %s on %s: %w", remotePath, host, err)
	}
	return nil
}

func (r *sshRunner) Get(host, remotePath string) ([]byte, error) {
	client, err := r.dial(host)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	ftp, err := sftp.NewClient(client)
	if err != nil {
		return nil, &SSHError{Host: host, Err: err}
	}
	defer ftp.Close()

	f, err := ftp.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("opening %s on %s: %w", remotePath, host, err)
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("reading %s on %s: %w", remotePath, host, err)
	}
	return buf.Bytes(), nil
}
