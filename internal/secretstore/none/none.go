// Package none is the secret store backend for clusters without a cloud
// secrets manager: local development, kind, plain self-hosted clusters.
package none

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"

	"github.com/ctf-party/balancer/internal/kube"
	"github.com/ctf-party/balancer/internal/secretstore"
)

func init() {
	secretstore.Register("none", func(secretstore.Deps) (kube.SecretProvider, error) {
		return Provider{}, nil
	})
}

// Provider is a no-op backend.
type Provider struct{}

func (Provider) Name() string { return "none" }

func (Provider) Provision(context.Context, string) error { return nil }

func (Provider) MutateDeployment(string, *appsv1.Deployment) {}
