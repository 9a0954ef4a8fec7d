// Package gcp is the secret store backend for GKE deployments. Unlike the
// AWS and Azure backends, which reuse one shared cloud identity, each team
// gets its own IAM service account with accessor rights on the Secret
// Manager entries, bound to the namespace's default Kubernetes service
// account through workload identity.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	appsv1 "k8s.io/api/apps/v1"
	"google.golang.org/api/googleapi"
	iam "google.golang.org/api/iam/v1"
	secretmanager "google.golang.org/api/secretmanager/v1"

	"github.com/ctf-party/balancer/internal/config"
	"github.com/ctf-party/balancer/internal/kube"
	"github.com/ctf-party/balancer/internal/secretstore"
	"github.com/ctf-party/balancer/internal/team"
)

const (
	secretProviderClassName = "wrongsecrets-gcp-secretsmanager"
	workloadIdentityKey     = "iam.gke.io/gcp-service-account"
	accessorRole            = "roles/secretmanager.secretAccessor"
)

// managedSecrets are the Secret Manager entries every team account gets
// accessor rights on.
var managedSecrets = []string{"wrongsecret-1", "wrongsecret-2", "wrongsecret-3"}

func init() {
	secretstore.Register("gcp", New)
}

// Provider provisions per-team GCP identities and their secret access.
type Provider struct {
	deps    secretstore.Deps
	cfg     config.GCPProviderConfig
	iam     *iam.Service
	secrets *secretmanager.Service
}

// New builds the backend. The IAM and Secret Manager clients authenticate
// through application default credentials, so a balancer pod without
// workload identity fails here rather than on the first join.
func New(deps secretstore.Deps) (kube.SecretProvider, error) {
	ctx := context.Background()

	iamService, err := iam.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating IAM client: %w", err)
	}
	secretsService, err := secretmanager.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating Secret Manager client: %w", err)
	}

	return &Provider{
		deps:    deps,
		cfg:     deps.Config.GCP,
		iam:     iamService,
		secrets: secretsService,
	}, nil
}

func (p *Provider) Name() string { return "gcp" }

func (p *Provider) Provision(ctx context.Context, teamName string) error {
	email, err := p.ensureServiceAccount(ctx, teamName)
	if err != nil {
		return err
	}

	member := "serviceAccount:" + email
	for _, secret := range managedSecrets {
		if err := p.grantSecretAccess(ctx, secret, member); err != nil {
			return err
		}
	}

	if err := p.bindWorkloadIdentity(ctx, teamName, email); err != nil {
		return err
	}

	ns := team.NamespaceFor(teamName)
	if err := secretstore.AnnotateDefaultServiceAccount(ctx, p.deps.Clientset, ns, workloadIdentityKey, email); err != nil {
		return err
	}

	secretsYAML := fmt.Sprintf(
		"- resourceName: \"projects/%s/secrets/wrongsecret-1/versions/latest\"\n  fileName: %q\n"+
			"- resourceName: \"projects/%s/secrets/wrongsecret-2/versions/latest\"\n  fileName: %q\n",
		p.cfg.ProjectID, p.cfg.SecretName1, p.cfg.ProjectID, p.cfg.SecretName2)
	return secretstore.CreateSecretProviderClass(ctx, p.deps.Dynamic, ns, secretProviderClassName, "gcp",
		map[string]any{"secrets": secretsYAML})
}

// ensureServiceAccount creates the team's IAM service account and returns
// its email. An account left behind by an earlier join is reused.
func (p *Provider) ensureServiceAccount(ctx context.Context, teamName string) (string, error) {
	accountID := "team-" + teamName
	email := fmt.Sprintf("%s@%s.iam.gserviceaccount.com", accountID, p.cfg.ProjectID)

	_, err := p.iam.Projects.ServiceAccounts.Create("projects/"+p.cfg.ProjectID, &iam.CreateServiceAccountRequest{
		AccountId: accountID,
		ServiceAccount: &iam.ServiceAccount{
			DisplayName: "CTF team " + teamName,
		},
	}).Context(ctx).Do()
	if isAlreadyExists(err) {
		p.deps.Logger.Debug("iam service account already exists",
			slog.String("team", teamName), slog.String("email", email))
		return email, nil
	}
	if err != nil {
		return "", fmt.Errorf("creating IAM service account for team %s: %w", teamName, err)
	}
	return email, nil
}

// grantSecretAccess appends an accessor binding to the secret's IAM policy.
func (p *Provider) grantSecretAccess(ctx context.Context, secretName, member string) error {
	resource := fmt.Sprintf("projects/%s/secrets/%s", p.cfg.ProjectID, secretName)

	policy, err := p.secrets.Projects.Secrets.GetIamPolicy(resource).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("reading IAM policy of %s: %w", resource, err)
	}

	for _, binding := range policy.Bindings {
		if binding.Role != accessorRole {
			continue
		}
		for _, m := range binding.Members {
			if m == member {
				return nil
			}
		}
	}
	policy.Bindings = append(policy.Bindings, &secretmanager.Binding{
		Role:    accessorRole,
		Members: []string{member},
	})

	_, err = p.secrets.Projects.Secrets.SetIamPolicy(resource, &secretmanager.SetIamPolicyRequest{
		Policy: policy,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("granting %s on %s: %w", accessorRole, resource, err)
	}
	return nil
}

// bindWorkloadIdentity lets the namespace's default Kubernetes service
// account impersonate the team's IAM service account.
func (p *Provider) bindWorkloadIdentity(ctx context.Context, teamName, email string) error {
	pool := p.cfg.WorkloadPool
	if pool == "" {
		pool = p.cfg.ProjectID + ".svc.id.goog"
	}
	resource := fmt.Sprintf("projects/%s/serviceAccounts/%s", p.cfg.ProjectID, email)
	member := fmt.Sprintf("serviceAccount:%s[%s/default]", pool, team.NamespaceFor(teamName))

	_, err := p.iam.Projects.ServiceAccounts.SetIamPolicy(resource, &iam.SetIamPolicyRequest{
		Policy: &iam.Policy{
			Bindings: []*iam.Binding{
				{Role: "roles/iam.workloadIdentityUser", Members: []string{member}},
			},
		},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("binding workload identity for team %s: %w", teamName, err)
	}
	return nil
}

func (p *Provider) MutateDeployment(_ string, d *appsv1.Deployment) {
	podSpec := &d.Spec.Template.Spec
	container := &podSpec.Containers[0]

	secretstore.SetContainerEnv(container, "K8S_ENV", "gcp")
	secretstore.SetContainerEnv(container, "FILENAME_CHALLENGE9", p.cfg.SecretName1)
	secretstore.SetContainerEnv(container, "FILENAME_CHALLENGE10", p.cfg.SecretName2)

	container.VolumeMounts = append(container.VolumeMounts, secretstore.CSIVolumeMount())
	podSpec.Volumes = append(podSpec.Volumes, secretstore.CSIVolume(secretProviderClassName))

	// workload identity flows through the default service account token
	automount := true
	podSpec.AutomountServiceAccountToken = &automount
}

func isAlreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 409
}
