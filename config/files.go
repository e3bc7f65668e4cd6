package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/streamnet/channel"
)

// Limits on input read from outside the process.
const (
	maxLayerSize   = 1 << 20
	maxLayerDepth  = 32
	maxEnvValueLen = 4096
)

// layerFormat maps a layer file extension to its decoder.
func layerFormat(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json", nil
	case ".yaml", ".yml":
		return "yaml", nil
	default:
		return "", fmt.Errorf("config layer %s: want a .json, .yaml or .yml file", path)
	}
}

// readLayer reads one config layer. Layers are small operator-written files,
// so anything that is not a regular file or exceeds maxLayerSize is refused.
func readLayer(path string) ([]byte, error) {
	if _, err := layerFormat(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config layer %s is not a regular file", path)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxLayerSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxLayerSize {
		return nil, fmt.Errorf("config layer %s exceeds %d bytes", path, maxLayerSize)
	}
	return data, nil
}

// writeLayer replaces path with data through a temp file in the same
// directory, so a reader never sees a half-written layer.
func writeLayer(path string, data []byte) error {
	if _, err := layerFormat(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// checkJSONDepth walks the token stream and rejects documents nested deeper
// than maxLayerDepth before they are decoded into maps.
func checkJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxLayerDepth {
				return fmt.Errorf("JSON nested deeper than %d levels", maxLayerDepth)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}

// checkEnvValue bounds STREAMNET_* override values.
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValueLen {
		return fmt.Errorf("%s is %d bytes, limit is %d", key, len(value), maxEnvValueLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}

// checkInlineChannels validates the inline channel lists of a raw layer
// against channel.SetSchema. The file key is not part of a channel set.
func checkInlineChannels(raw map[string]any) error {
	section, ok := raw["channels"].(map[string]any)
	if !ok {
		return nil
	}
	doc := make(map[string]any, 2)
	for _, key := range []string{"local", "remote"} {
		if v, ok := section[key]; ok {
			doc[key] = v
		}
	}
	if len(doc) == 0 {
		return nil
	}
	return channel.ValidateDocument(doc)
}
