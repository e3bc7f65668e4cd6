package channel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamnet/errors"
)

func TestIPCAddr(t *testing.T) {
	assert.Equal(t, "ipc:///tmp/streamnet/job1/h1/a", IPCAddr("/tmp/streamnet", "job1", "h1", "a"))

	l := NewLocal("/run/sn", "j", "n1", "orders")
	assert.Equal(t, "orders", l.ChannelID())
	assert.False(t, l.IsRemote())
	assert.Equal(t, "ipc:///run/sn/j/n1/orders", l.IPCAddr)
}

func TestRemote_DerivedAddresses(t *testing.T) {
	r := NewRemote("/tmp/sn", "job", "c1", "h1", "h2", "10.0.0.2", 7000)

	assert.True(t, r.IsRemote())
	assert.Equal(t, "ipc:///tmp/sn/job/h1/c1", r.SourceLocalIPCAddr)
	assert.Equal(t, "ipc:///tmp/sn/job/h2/c1", r.TargetLocalIPCAddr)

	assert.Equal(t, "tcp://10.0.0.2:7000", r.ConnectAddr(SchemeTCP))
	assert.Equal(t, "tcp://0.0.0.0:7000", r.BindAddr(SchemeTCP))
	assert.Equal(t, "ws://10.0.0.2:7000/streamnet", r.ConnectAddr(SchemeWebSocket))
	assert.Equal(t, "nats://streamnet.link.h1.h2.7000", r.ConnectAddr(SchemeNATS))
	assert.Equal(t, r.ConnectAddr(SchemeNATS), r.BindAddr(SchemeNATS))
}

func TestRemote_Validate(t *testing.T) {
	good := NewRemote("/tmp", "j", "c", "h1", "h2", "127.0.0.1", 9000)
	require.NoError(t, good.Validate())

	tests := []struct {
		name   string
		mutate func(*Remote)
	}{
		{"long id", func(r *Remote) { r.ID = "this-id-is-way-too-long" }},
		{"missing target node", func(r *Remote) { r.TargetNodeID = "" }},
		{"self loop", func(r *Remote) { r.TargetNodeID = r.SourceNodeID }},
		{"missing ipc", func(r *Remote) { r.SourceLocalIPCAddr = "" }},
		{"missing ip", func(r *Remote) { r.TargetNodeIP = "" }},
		{"bad port", func(r *Remote) { r.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := good
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestSet_DuplicateChannel(t *testing.T) {
	s := &Set{
		Local:  []Local{NewLocal("/tmp", "j", "h1", "a")},
		Remote: []Remote{NewRemote("/tmp", "j", "a", "h1", "h2", "10.0.0.2", 9000)},
	}

	err := s.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateChannel)
	assert.True(t, errors.IsFatal(err))
}

func TestSet_ForNodeAndPeers(t *testing.T) {
	s := &Set{Remote: []Remote{
		NewRemote("/tmp", "j", "a", "h1", "h2", "10.0.0.2", 9000),
		NewRemote("/tmp", "j", "b", "h1", "h2", "10.0.0.2", 9000),
		NewRemote("/tmp", "j", "c", "h1", "h3", "10.0.0.3", 9001),
		NewRemote("/tmp", "j", "d", "h3", "h1", "10.0.0.1", 9002),
	}}
	require.NoError(t, s.Validate())

	in, out := s.ForNode("h1")
	assert.Len(t, in, 1)
	assert.Len(t, out, 3)
	assert.Equal(t, []string{"h2", "h3"}, s.Peers("h1"))

	ch, ok := s.Get("c")
	require.True(t, ok)
	assert.True(t, ch.IsRemote())
	_, ok = s.Get("zz")
	assert.False(t, ok)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	yamlDoc := `
local:
  - id: a
    ipc_addr: ipc:///tmp/sn/j/h1/a
remote:
  - id: b
    source_node_id: h1
    source_local_ipc_addr: ipc:///tmp/sn/j/h1/b
    target_node_id: h2
    target_node_ip: 10.0.0.2
    target_local_ipc_addr: ipc:///tmp/sn/j/h2/b
    port: 9100
`
	jsonDoc := `{"local":[{"id":"a","ipc_addr":"ipc:///tmp/sn/j/h1/a"}],
"remote":[{"id":"b","source_node_id":"h1","source_local_ipc_addr":"ipc:///tmp/sn/j/h1/b",
"target_node_id":"h2","target_node_ip":"10.0.0.2","target_local_ipc_addr":"ipc:///tmp/sn/j/h2/b","port":9100}]}`

	for name, doc := range map[string]string{"channels.yaml": yamlDoc, "channels.json": jsonDoc} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

			s, err := LoadFile(path)
			require.NoError(t, err)
			require.Len(t, s.Local, 1)
			require.Len(t, s.Remote, 1)
			assert.Equal(t, 9100, s.Remote[0].Port)
			assert.Equal(t, "tcp://10.0.0.2:9100", s.Remote[0].ConnectAddr(SchemeTCP))
		})
	}

	_, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "channels.toml")
	require.NoError(t, os.WriteFile(bad, []byte("x"), 0o600))
	_, err = LoadFile(bad)
	assert.True(t, errors.IsInvalid(err))
}

func TestParse_SchemaRejectsMalformedSets(t *testing.T) {
	tests := []struct {
		name, format, doc string
	}{
		{"misspelled field", "json", `{"local":[{"id":"a","ipc_adr":"ipc:///tmp/a"}]}`},
		{"unknown top-level key", "yaml", "locals:\n  - id: a\n    ipc_addr: ipc:///tmp/a\n"},
		{"port as string", "json", `{"remote":[{"id":"b","source_node_id":"h1","source_local_ipc_addr":"ipc:///tmp/b",
"target_node_id":"h2","target_node_ip":"10.0.0.2","target_local_ipc_addr":"ipc:///tmp/h2/b","port":"9100"}]}`},
		{"port out of range", "yaml", `
remote:
  - id: b
    source_node_id: h1
    source_local_ipc_addr: ipc:///tmp/h1/b
    target_node_id: h2
    target_node_ip: 10.0.0.2
    target_local_ipc_addr: ipc:///tmp/h2/b
    port: 70000
`},
		{"channel id too long", "json", `{"local":[{"id":"a-very-long-channel-id","ipc_addr":"ipc:///tmp/a"}]}`},
		{"address without scheme", "json", `{"local":[{"id":"a","ipc_addr":"/tmp/a"}]}`},
		{"empty document", "yaml", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), tt.format)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}

func TestParse_SchemaAcceptsEmptyObject(t *testing.T) {
	s, err := Parse([]byte(`{}`), "json")
	require.NoError(t, err)
	assert.Empty(t, s.Channels())
}

func TestLoadFile_RefusesOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.json")
	require.NoError(t, os.WriteFile(path, make([]byte, MaxFileSize+1), 0o600))
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = LoadFile(t.TempDir())
	assert.True(t, errors.IsInvalid(err), "directories are not channel sets")
}
