// Package config loads the configuration of a streamnet node.
//
// A Config is built by a Loader from three layers: built-in defaults, any
// number of JSON or YAML files, and STREAMNET_* environment variables. File
// layers only override the keys they set, so a small file can adjust one
// section:
//
//	{
//	  "node": {"job": "etl", "id": "h1"},
//	  "relay": {"overflow": "drop"},
//	  "channels": {"file": "/etc/streamnet/channels.yaml"}
//	}
//
// Durations are strings such as "500ms". The Options methods convert each
// section into the settings of the package it configures, and
// ResolveChannels picks the channel set from inline lists, a file or a NATS
// KV bucket.
package config
