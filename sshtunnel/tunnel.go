package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/towerlaunch/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const DefaultPort = "22"

type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Tunnel forwards TCP connections through a single SSH connection to a bastion, reconnecting when it drops.
type Tunnel struct {
	addr   string
	config *ssh.ClientConfig
	// SSH agent used for authentication, kept open for the handshake of each connection
	agentSocket string

	mu     sync.Mutex
	client *ssh.Client
}

// ParseTarget splits 'user@host[:port]'. The user defaults to the current one.
func ParseTarget(target string) (username string, addr string, err error) {
	username, hostport, found := strings.Cut(target, "@")
	if !found {
		hostport = username
		username = ""
	}
	if hostport == "" {
		return "", "", fmt.Errorf("invalid ssh target '%s'", target)
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = strings.Trim(hostport, "[]"), DefaultPort
	}
	if host == "" || strings.ContainsAny(host, "@/ ") {
		return "", "", fmt.Errorf("invalid ssh target '%s'", target)
	}

	if username == "" {
		current, err := user.Current()
		if err != nil {
			return "", "", fmt.Errorf("ssh target '%s' has no user: %w", target, err)
		}
		username = current.Username
	}
	return username, net.JoinHostPort(host, port), nil
}

// New creates a tunnel to the bastion at addr. Nothing is dialed until the first connection.
func New(addr string, config *ssh.ClientConfig) *Tunnel {
	return &Tunnel{addr: addr, config: config}
}

// Dialer returns a dial function reaching addresses through the bastion given as 'user@host[:port]'.
// Keys come from the SSH agent. Host keys are checked against knownHosts, or ~/.ssh/known_hosts when empty.
func Dialer(target string, knownHosts string) (DialContextFunc, error) {
	username, addr, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := hostKeyCallback(knownHosts)
	if err != nil {
		return nil, err
	}

	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("ssh tunnel requires an SSH agent (SSH_AUTH_SOCK is not set)")
	}

	tunnel := New(addr, &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: hostKeyCallback,
		Timeout:         15 * time.Second,
	})
	tunnel.agentSocket = socket
	return tunnel.DialContext, nil
}

func hostKeyCallback(knownHosts string) (ssh.HostKeyCallback, error) {
	if knownHosts == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			if _, err := os.Stat(filepath.Join(home, ".ssh", "known_hosts")); err == nil {
				knownHosts = filepath.Join(home, ".ssh", "known_hosts")
			}
		}
	}
	if knownHosts == "" {
		log.Warn("No known_hosts file, the SSH bastion host key is not verified")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	callback, err := knownhosts.New(knownHosts)
	if err != nil {
		return nil, fmt.Errorf("known hosts: %w", err)
	}
	return callback, nil
}

// DialContext opens a connection to addr from the bastion.
func (t *Tunnel) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}

	client, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := client.DialContext(ctx, network, addr)
	if err == nil {
		return conn, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// The bastion connection may have dropped since the last dial
	t.reset(client)
	if client, err = t.connect(ctx); err != nil {
		return nil, err
	}
	if conn, err = client.DialContext(ctx, network, addr); err != nil {
		return nil, fmt.Errorf("ssh forward to %s: %w", addr, err)
	}
	return conn, nil
}

func (t *Tunnel) connect(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return t.client, nil
	}

	log.Debug("Connecting to SSH bastion", "addr", t.addr, "user", t.config.User)
	dialer := net.Dialer{Timeout: t.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", t.addr, err)
	}

	config := t.config
	if t.agentSocket != "" {
		agentConn, err := net.Dial("unix", t.agentSocket)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("ssh agent: %w", err)
		}
		defer agentConn.Close()

		withAgent := *t.config
		withAgent.Auth = append([]ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers)}, t.config.Auth...)
		config = &withAgent
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, t.addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", t.addr, err)
	}

	t.client = ssh.NewClient(sshConn, chans, reqs)
	go func(client *ssh.Client) {
		err := client.Wait()
		log.Debug("SSH bastion connection closed", "addr", t.addr, "error", err)
		t.reset(client)
	}(t.client)
	return t.client, nil
}

func (t *Tunnel) reset(client *ssh.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == client {
		_ = t.client.Close()
		t.client = nil
	}
}

func (t *Tunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
