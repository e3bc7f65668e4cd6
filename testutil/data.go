package testutil

import (
	"net"
	"os"
	"testing"

	"github.com/c360/streamnet/channel"
)

// TestJob is the job name used in fixture addresses.
const TestJob = "job"

// SocketRoot returns a short temp directory for ipc socket files. Unix
// socket paths are limited to ~100 bytes, which t.TempDir often exceeds.
func SocketRoot(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sn")
	if err != nil {
		t.Fatalf("create socket root: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// FreePort returns a TCP port that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// LocalSet returns a set with one same-host channel per id on node.
func LocalSet(root, node string, ids ...string) *channel.Set {
	set := &channel.Set{}
	for _, id := range ids {
		set.Local = append(set.Local, channel.NewLocal(root, TestJob, node, id))
	}
	return set
}

// RemoteSet returns a set with one cross-host channel per id from source to
// target on 127.0.0.1:port.
func RemoteSet(root, source, target string, port int, ids ...string) *channel.Set {
	set := &channel.Set{}
	for _, id := range ids {
		set.Remote = append(set.Remote,
			channel.NewRemote(root, TestJob, id, source, target, "127.0.0.1", port))
	}
	return set
}
