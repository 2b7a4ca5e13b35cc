/*
Copyright 2023 The Wadm Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

   http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package options holds the flag surface of the wadm server binary.
package options

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/lattice-dev/wadm/pkg/server"
)

// Defaults for the stores the server provisions on startup.
const (
	DefaultManifestBucket = "wadm_manifests"
	DefaultStatusStream   = "wadm_status"
	DefaultMetricsAddr    = ":8080"
)

// ServerOptions contains everything necessary to create and run a wadm server
type ServerOptions struct {
	NATSServer     string
	NATSCredsFile  string
	ConnectTimeout time.Duration

	APIPrefix    string
	NotifyPrefix string
	Account      string

	ManifestBucket string
	StatusStream   string

	MetricsAddr string
}

// NewServerOptions creates a new ServerOptions object with default parameters
func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		NATSServer:     nats.DefaultURL,
		ConnectTimeout: 10 * time.Second,
		APIPrefix:      server.DefaultAPIPrefix,
		NotifyPrefix:   server.DefaultNotifyPrefix,
		ManifestBucket: DefaultManifestBucket,
		StatusStream:   DefaultStatusStream,
		MetricsAddr:    DefaultMetricsAddr,
	}
}

// AddFlags registers the server flags on the given flag set.
func (s *ServerOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&s.NATSServer, "nats-server", s.NATSServer, "The NATS server to connect to.")
	fs.StringVar(&s.NATSCredsFile, "nats-creds-file", s.NATSCredsFile, "A credentials file for authenticating against the NATS server.")
	fs.DurationVar(&s.ConnectTimeout, "connect-timeout", s.ConnectTimeout, "How long to wait for the initial NATS connection.")
	fs.StringVar(&s.APIPrefix, "api-prefix", s.APIPrefix, "The subject prefix the model API is served under.")
	fs.StringVar(&s.NotifyPrefix, "notify-prefix", s.NotifyPrefix, "The subject prefix reconciler notifications are published under.")
	fs.StringVar(&s.Account, "account", s.Account, "An optional account that partitions the manifest store.")
	fs.StringVar(&s.ManifestBucket, "manifest-bucket", s.ManifestBucket, "The KV bucket manifests are stored in; created when absent.")
	fs.StringVar(&s.StatusStream, "status-stream", s.StatusStream, "The stream model statuses are read from; created when absent.")
	fs.StringVar(&s.MetricsAddr, "metrics-addr", s.MetricsAddr, "The address the metric endpoint binds to.")
}

// Validate rejects flag combinations the server cannot start with.
func (s *ServerOptions) Validate() error {
	if s.NATSServer == "" {
		return errors.New("nats-server must not be empty")
	}
	if s.ManifestBucket == "" {
		return errors.New("manifest-bucket must not be empty")
	}
	if s.StatusStream == "" {
		return errors.New("status-stream must not be empty")
	}
	return nil
}
