package kube

import (
	"context"
	"fmt"
	"log/slog"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/ctf-party/balancer/internal/config"
	"github.com/ctf-party/balancer/internal/team"
)

// SecretProvider hooks a cloud secrets backend into provisioning. Provision
// creates per-team cloud resources before workloads start; MutateDeployment
// adjusts the application deployment (volumes, env, labels) to consume them.
type SecretProvider interface {
	Name() string
	Provision(ctx context.Context, teamName string) error
	MutateDeployment(teamName string, d *appsv1.Deployment)
}

// ProvisioningError reports which provisioning step failed so the caller can
// log it and the operator can clean up a half-built namespace.
type ProvisioningError struct {
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning step %q: %v", e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Provisioner creates and restarts team environments.
type Provisioner struct {
	client    *Client
	provider  SecretProvider
	workloads config.WorkloadsConfig
	logger    *slog.Logger
}

func NewProvisioner(client *Client, provider SecretProvider, workloads config.WorkloadsConfig, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		client:    client,
		provider:  provider,
		workloads: workloads,
		logger:    logger.With(slog.String("component", "provisioner")),
	}
}

// CreateTeam builds the complete environment for a team: namespace, CTF
// material, cloud secret resources, the three workloads with their services,
// desktop RBAC, and the network policy set. Steps run in dependency order
// and AlreadyExists is treated as success so a retried join converges
// instead of failing.
func (p *Provisioner) CreateTeam(ctx context.Context, teamName, passcodeHash string) error {
	m := manifests{workloads: p.workloads, team: teamName}
	ns := m.namespace()
	core := p.client.clientset.CoreV1()
	apps := p.client.clientset.AppsV1()
	rbac := p.client.clientset.RbacV1()

	app := m.appDeployment(passcodeHash)
	p.provider.MutateDeployment(teamName, app)

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"namespace", func(ctx context.Context) error {
			_, err := core.Namespaces().Create(ctx, m.namespaceObject(), metav1.CreateOptions{})
			return err
		}},
		{"configmap", func(ctx context.Context) error {
			_, err := core.ConfigMaps(ns).Create(ctx, m.configMap(), metav1.CreateOptions{})
			return err
		}},
		{"static-secret", func(ctx context.Context) error {
			_, err := core.Secrets(ns).Create(ctx, m.staticSecret(), metav1.CreateOptions{})
			return err
		}},
		{"challenge-secret", func(ctx context.Context) error {
			_, err := core.Secrets(ns).Create(ctx, m.challengeSecret(), metav1.CreateOptions{})
			return err
		}},
		{"secret-provider", func(ctx context.Context) error {
			return p.provider.Provision(ctx, teamName)
		}},
		{"app-deployment", func(ctx context.Context) error {
			_, err := apps.Deployments(ns).Create(ctx, app, metav1.CreateOptions{})
			return err
		}},
		{"app-service", func(ctx context.Context) error {
			_, err := core.Services(ns).Create(ctx, m.appService(), metav1.CreateOptions{})
			return err
		}},
		{"challenge-deployment", func(ctx context.Context) error {
			_, err := apps.Deployments(ns).Create(ctx, m.challengeDeployment(passcodeHash), metav1.CreateOptions{})
			return err
		}},
		{"desktop-serviceaccount", func(ctx context.Context) error {
			_, err := core.ServiceAccounts(ns).Create(ctx, m.desktopServiceAccount(), metav1.CreateOptions{})
			return err
		}},
		{"desktop-role", func(ctx context.Context) error {
			podName := p.challengePodName(ctx, teamName)
			_, err := rbac.Roles(ns).Create(ctx, m.desktopRole(podName), metav1.CreateOptions{})
			return err
		}},
		{"desktop-rolebinding", func(ctx context.Context) error {
			_, err := rbac.RoleBindings(ns).Create(ctx, m.desktopRoleBinding(), metav1.CreateOptions{})
			return err
		}},
		{"desktop-deployment", func(ctx context.Context) error {
			_, err := apps.Deployments(ns).Create(ctx, m.desktopDeployment(passcodeHash), metav1.CreateOptions{})
			return err
		}},
		{"desktop-service", func(ctx context.Context) error {
			_, err := core.Services(ns).Create(ctx, m.desktopService(), metav1.CreateOptions{})
			return err
		}},
		{"network-policies", func(ctx context.Context) error {
			return p.applyNetworkPolicies(ctx, teamName)
		}},
	}

	for _, step := range steps {
		callCtx, cancel := p.client.callCtx(ctx)
		err := ignoreAlreadyExists(step.run(callCtx))
		cancel()
		if err != nil {
			return &ProvisioningError{Step: step.name, Err: err}
		}
		p.logger.Debug("provisioning step done",
			slog.String("team", teamName), slog.String("step", step.name))
	}
	p.logger.Info("team environment created",
		slog.String("team", teamName), slog.String("namespace", ns))
	return nil
}

// challengePodName looks up the scheduled challenge pod so the desktop role
// can be scoped to it. Returns empty if the pod is not up yet; the role is
// then created without the pod-scoped rules.
func (p *Provisioner) challengePodName(ctx context.Context, teamName string) string {
	pods, err := p.client.clientset.CoreV1().Pods(team.NamespaceFor(teamName)).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s,team=%s", AppLabelChallenge, teamName),
	})
	if err != nil || len(pods.Items) != 1 {
		p.logger.Warn("challenge pod not resolvable yet, leaving role unscoped",
			slog.String("team", teamName))
		return ""
	}
	return pods.Items[0].Name
}

func (p *Provisioner) applyNetworkPolicies(ctx context.Context, teamName string) error {
	ips, err := p.client.controlPlaneAddresses(ctx)
	if err != nil {
		return err
	}
	ns := team.NamespaceFor(teamName)
	for _, policy := range teamNetworkPolicies(teamName, ips) {
		_, err := p.client.clientset.NetworkingV1().NetworkPolicies(ns).Create(ctx, policy, metav1.CreateOptions{})
		if err := ignoreAlreadyExists(err); err != nil {
			return fmt.Errorf("applying network policy %s: %w", policy.Name, err)
		}
	}
	return nil
}
