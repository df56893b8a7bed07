package clipool

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/netvault/internal/app/domain/backup"
	"github.com/meridianlabs/netvault/internal/scrub"
)

// startTestSSHServer starts a minimal SSH server on an ephemeral local port
// that accepts any password and replies with output to any exec request.
func startTestSSHServer(t *testing.T, output string, rejectAuth bool) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if rejectAuth {
				return nil, errors.New("rejected")
			}
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleTestConn(conn, config, output)
		}
	}()

	return listener.Addr().String()
}

func handleTestConn(conn net.Conn, config *ssh.ServerConfig, output string) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				if req.Type == "exec" {
					channel.Write([]byte(output))
					req.Reply(true, nil)
					channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					return
				}
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}()
	}
}

func testCreds(ctx context.Context, device backup.Device) (string, string, error) {
	return "admin", "secret", nil
}

func TestPoolRunHappyPath(t *testing.T) {
	addr := startTestSSHServer(t, "hostname core-1\n", false)
	pool := New(5, 5*time.Second, nil)

	device := backup.Device{ID: "d1", Hostname: "core-1", Address: addr, Platform: scrub.PlatformIOS}
	out := pool.Run(context.Background(), []backup.Device{device}, testCreds)

	select {
	case outcome := <-out:
		require.NoError(t, outcome.Err)
		assert.Contains(t, outcome.RawConfig, "hostname core-1")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestPoolRunAuthRejected(t *testing.T) {
	addr := startTestSSHServer(t, "", true)
	pool := New(5, 5*time.Second, nil)

	device := backup.Device{ID: "d2", Hostname: "fw-1", Address: addr, Platform: scrub.PlatformIOS}
	out := pool.Run(context.Background(), []backup.Device{device}, testCreds)

	select {
	case outcome := <-out:
		require.Error(t, outcome.Err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestPoolRunRespectsWorkerBudget(t *testing.T) {
	addr := startTestSSHServer(t, "config\n", false)
	pool := New(2, 5*time.Second, nil)

	devices := make([]backup.Device, 6)
	for i := range devices {
		devices[i] = backup.Device{ID: "d", Hostname: "h", Address: addr, Platform: scrub.PlatformIOS}
	}

	out := pool.Run(context.Background(), devices, testCreds)
	count := 0
	for range out {
		count++
	}
	assert.Equal(t, 6, count)
}

func TestPoolRunCancellation(t *testing.T) {
	addr := startTestSSHServer(t, "config\n", false)
	pool := New(1, 5*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	device := backup.Device{ID: "d3", Hostname: "core-2", Address: addr, Platform: scrub.PlatformIOS}
	out := pool.Run(ctx, []backup.Device{device}, testCreds)

	select {
	case outcome := <-out:
		require.Error(t, outcome.Err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}
