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

package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/lattice-dev/wadm/pkg/monitor/metrics"
)

const (
	// DefaultAPIPrefix is the subject prefix model API requests arrive under.
	DefaultAPIPrefix = "wadm.api"
	// DefaultQueueGroup shares the API subscription across server nodes.
	DefaultQueueGroup = "wadm-api"
)

// API verbs routed by subject.
const (
	VerbPut      = "put"
	VerbGet      = "get"
	VerbList     = "list"
	VerbVersions = "versions"
	VerbDelete   = "del"
	VerbDeploy   = "deploy"
	VerbUndeploy = "undeploy"
	VerbStatus   = "status"
)

// Server routes model API requests from the bus to the handler. Requests for
// every lattice arrive on one wildcard subscription; the lattice is parsed
// from the subject.
type Server struct {
	handler *Handler
	prefix  string
	account string
}

// NewServer builds a router over a handler. An empty prefix selects
// DefaultAPIPrefix; account optionally partitions the model store.
func NewServer(handler *Handler, prefix, account string) *Server {
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}
	return &Server{handler: handler, prefix: prefix, account: account}
}

// Subscribe starts serving API requests from the bus in the shared queue
// group. Each message is dispatched on its own goroutine.
func (s *Server) Subscribe(conn *nats.Conn) (*nats.Subscription, error) {
	subject := s.prefix + ".>"
	sub, err := conn.QueueSubscribe(subject, DefaultQueueGroup, func(msg *nats.Msg) {
		go s.Dispatch(context.Background(), Request{
			Subject: msg.Subject,
			Reply:   msg.Reply,
			Header:  msg.Header,
			Data:    msg.Data,
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to subscribe to %s", subject)
	}
	klog.InfoS("Serving model API", "subject", subject, "queue", DefaultQueueGroup)
	return sub, nil
}

// Dispatch routes one request by its subject. Requests with an unusable
// subject are answered with an error reply and no state change.
func (s *Server) Dispatch(ctx context.Context, req Request) {
	lattice, verb, name, err := s.parseSubject(req.Subject)
	if err != nil {
		klog.V(2).InfoS("Rejecting request", "subject", req.Subject, "reason", err)
		s.handler.sendError(req.Reply, err.Error())
		return
	}

	start := time.Now()
	metrics.APIRequestCounter.WithLabelValues(verb).Inc()
	defer func() {
		metrics.APIRequestDurationHistogram.WithLabelValues(verb).Observe(time.Since(start).Seconds())
	}()

	switch verb {
	case VerbPut:
		s.handler.PutModel(ctx, req, s.account, lattice)
	case VerbGet:
		s.handler.GetModel(ctx, req, s.account, lattice, name)
	case VerbList:
		s.handler.ListModels(ctx, req, s.account, lattice)
	case VerbVersions:
		s.handler.ListVersions(ctx, req, s.account, lattice, name)
	case VerbDelete:
		s.handler.DeleteModel(ctx, req, s.account, lattice, name)
	case VerbDeploy:
		s.handler.DeployModel(ctx, req, s.account, lattice, name)
	case VerbUndeploy:
		s.handler.UndeployModel(ctx, req, s.account, lattice, name)
	case VerbStatus:
		s.handler.ModelStatus(ctx, req, s.account, lattice, name)
	}
}

// parseSubject splits <prefix>.<lattice>.model.<verb>[.<name>].
func (s *Server) parseSubject(subject string) (lattice, verb, name string, err error) {
	rest := strings.TrimPrefix(subject, s.prefix+".")
	if rest == subject {
		return "", "", "", fmt.Errorf("unexpected request subject %s", subject)
	}
	parts := strings.Split(rest, ".")
	if len(parts) < 3 || parts[1] != "model" {
		return "", "", "", fmt.Errorf("unexpected request subject %s", subject)
	}
	lattice, verb = parts[0], parts[2]
	if len(parts) > 3 {
		name = parts[3]
	}
	switch verb {
	case VerbPut, VerbList:
		return lattice, verb, "", nil
	case VerbGet, VerbVersions, VerbDelete, VerbDeploy, VerbUndeploy, VerbStatus:
		if name == "" {
			return "", "", "", fmt.Errorf("missing model name in request subject %s", subject)
		}
		return lattice, verb, name, nil
	default:
		return "", "", "", fmt.Errorf("unknown model API verb %s", verb)
	}
}
