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

// Package app assembles and runs the wadm server.
package app

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/lattice-dev/wadm/cmd/wadm/app/options"
	"github.com/lattice-dev/wadm/pkg/server"
	"github.com/lattice-dev/wadm/pkg/storage"
	"github.com/lattice-dev/wadm/pkg/storage/driver"
	"github.com/lattice-dev/wadm/version"
)

// NewServerCommand creates a *cobra.Command object with default parameters
func NewServerCommand() *cobra.Command {
	serverOptions := options.NewServerOptions()
	cmd := &cobra.Command{
		Use:     "wadm",
		Long:    `The wadm server answers the model API over NATS and persists application manifests for its lattices`,
		Version: fmt.Sprintf("%s (%s)", version.WadmVersion, version.GitRevision),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := serverOptions.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, serverOptions)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	serverOptions.AddFlags(flags)

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)

	return cmd
}

func run(ctx context.Context, serverOptions *options.ServerOptions) error {
	klog.InfoS("Wadm information", "version", version.WadmVersion, "revision", version.GitRevision)
	if !version.IsOfficialWadmVersion(version.WadmVersion) {
		klog.InfoS("Running an unreleased build", "version", version.WadmVersion)
	}

	conn, err := connect(serverOptions)
	if err != nil {
		return err
	}
	defer conn.Close()

	js, err := jetstream.New(conn)
	if err != nil {
		return errors.Wrap(err, "unable to open a JetStream context")
	}

	kv, err := ensureManifestBucket(ctx, js, serverOptions.ManifestBucket)
	if err != nil {
		return err
	}
	statusStream, err := ensureStatusStream(ctx, js, serverOptions.StatusStream)
	if err != nil {
		return err
	}

	handler := server.NewHandler(
		storage.NewStorage(driver.NewNATSStorage(kv)),
		server.NewStreamStatusReader(statusStream),
		server.NewManifestNotifier(serverOptions.NotifyPrefix, conn),
		conn,
	)
	apiServer := server.NewServer(handler, serverOptions.APIPrefix, serverOptions.Account)
	subscription, err := apiServer.Subscribe(conn)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{Addr: serverOptions.MetricsAddr, Handler: metricsMux()}
	go func() {
		klog.InfoS("Serving metrics", "addr", serverOptions.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.ErrorS(err, "Metrics server stopped")
		}
	}()

	<-ctx.Done()
	klog.InfoS("Shutting down")

	// Stop taking new API requests before tearing anything else down.
	if err := subscription.Drain(); err != nil {
		klog.ErrorS(err, "Unable to drain API subscription")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "Unable to shut down metrics server")
	}
	return nil
}

func connect(serverOptions *options.ServerOptions) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("wadm"),
		nats.Timeout(serverOptions.ConnectTimeout),
		nats.MaxReconnects(-1),
	}
	if serverOptions.NATSCredsFile != "" {
		opts = append(opts, nats.UserCredentials(serverOptions.NATSCredsFile))
	}
	conn, err := nats.Connect(serverOptions.NATSServer, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to connect to NATS server %s", serverOptions.NATSServer)
	}
	return conn, nil
}

// ensureManifestBucket opens the manifest KV bucket, creating it on first run.
func ensureManifestBucket(ctx context.Context, js jetstream.JetStream, bucket string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.Wrapf(err, "unable to open KV bucket %s", bucket)
	}
	klog.InfoS("Creating manifest bucket", "bucket", bucket)
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "wadm manifest storage",
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create KV bucket %s", bucket)
	}
	return kv, nil
}

// ensureStatusStream opens the status stream, creating it on first run. The
// stream keeps only the newest message per subject; statuses are last-wins.
func ensureStatusStream(ctx context.Context, js jetstream.JetStream, name string) (jetstream.Stream, error) {
	stream, err := js.Stream(ctx, name)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, errors.Wrapf(err, "unable to open stream %s", name)
	}
	klog.InfoS("Creating status stream", "stream", name)
	stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:              name,
		Description:       "wadm model statuses",
		Subjects:          []string{"wadm.status.*.*"},
		MaxMsgsPerSubject: 1,
		Storage:           jetstream.FileStorage,
		AllowDirect:       true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create stream %s", name)
	}
	return stream, nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
