package channel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/streamnet/errors"
)

// Set is the list of channels handed over by the orchestration layer.
type Set struct {
	Local  []Local  `json:"local,omitempty" yaml:"local,omitempty"`
	Remote []Remote `json:"remote,omitempty" yaml:"remote,omitempty"`
}

// Validate checks every descriptor and that channel ids are unique.
func (s *Set) Validate() error {
	seen := make(map[string]struct{}, len(s.Local)+len(s.Remote))
	for _, ch := range s.Channels() {
		if err := ch.Validate(); err != nil {
			return errors.WrapInvalid(err, "Set", "Validate", "validate channel")
		}
		if _, dup := seen[ch.ChannelID()]; dup {
			return errors.WrapFatal(
				fmt.Errorf("%w: %s", errors.ErrDuplicateChannel, ch.ChannelID()),
				"Set", "Validate", "check channel ids")
		}
		seen[ch.ChannelID()] = struct{}{}
	}
	return nil
}

// Channels returns local channels followed by remote ones.
func (s *Set) Channels() []Channel {
	out := make([]Channel, 0, len(s.Local)+len(s.Remote))
	for _, c := range s.Local {
		out = append(out, c)
	}
	for _, c := range s.Remote {
		out = append(out, c)
	}
	return out
}

// Get looks up a channel by id.
func (s *Set) Get(id string) (Channel, bool) {
	for _, ch := range s.Channels() {
		if ch.ChannelID() == id {
			return ch, true
		}
	}
	return nil, false
}

// ForNode splits the remote channels touching nodeID into those arriving at
// it and those leaving it.
func (s *Set) ForNode(nodeID string) (in, out []Remote) {
	for _, c := range s.Remote {
		if c.TargetNodeID == nodeID {
			in = append(in, c)
		}
		if c.SourceNodeID == nodeID {
			out = append(out, c)
		}
	}
	return in, out
}

// Peers returns the distinct node ids on the far side of nodeID's remote channels.
func (s *Set) Peers(nodeID string) []string {
	var peers []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			peers = append(peers, p)
		}
	}
	in, out := s.ForNode(nodeID)
	for _, c := range out {
		add(c.TargetNodeID)
	}
	for _, c := range in {
		add(c.SourceNodeID)
	}
	return peers
}

// Nodes returns every node named by a cross-host channel, sorted.
func (s *Set) Nodes() []string {
	seen := make(map[string]bool)
	var nodes []string
	for _, c := range s.Remote {
		for _, n := range []string{c.SourceNodeID, c.TargetNodeID} {
			if !seen[n] {
				seen[n] = true
				nodes = append(nodes, n)
			}
		}
	}
	sort.Strings(nodes)
	return nodes
}

// MaxFileSize bounds a channel-set file read by LoadFile.
const MaxFileSize = 4 << 20

// Parse decodes a set from JSON or YAML. format is "json" or "yaml". The
// document is checked against SetSchema before it is decoded.
func Parse(data []byte, format string) (*Set, error) {
	var (
		doc    any
		s      Set
		decode func([]byte, any) error
	)
	switch format {
	case "json":
		decode = json.Unmarshal
	case "yaml", "yml":
		decode = yaml.Unmarshal
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown format %q", errors.ErrInvalidConfig, format),
			"Set", "Parse", "select decoder")
	}
	if err := decode(data, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "Set", "Parse", "decode "+format)
	}
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}
	if err := decode(data, &s); err != nil {
		return nil, errors.WrapInvalid(err, "Set", "Parse", "decode "+format)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads a channel set, choosing the decoder by file extension.
// Files larger than MaxFileSize are refused.
func LoadFile(path string) (*Set, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Set", "LoadFile", "stat "+path)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s is not a regular file", errors.ErrInvalidConfig, path),
			"Set", "LoadFile", "stat "+path)
	}
	if info.Size() > MaxFileSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s is %d bytes, limit is %d", errors.ErrInvalidConfig, path, info.Size(), MaxFileSize),
			"Set", "LoadFile", "stat "+path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Set", "LoadFile", "read "+path)
	}
	return Parse(data, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
}
