// Package aws is the secret store backend for EKS deployments. Per-team
// namespaces get the IRSA role annotation on their default service account
// and a SecretProviderClass exposing the shared Secrets Manager entries
// through the secrets-store CSI driver.
package aws

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	appsv1 "k8s.io/api/apps/v1"

	"github.com/ctf-party/balancer/internal/config"
	"github.com/ctf-party/balancer/internal/kube"
	"github.com/ctf-party/balancer/internal/secretstore"
	"github.com/ctf-party/balancer/internal/team"
)

const (
	secretProviderClassName = "wrongsecrets-aws-secretsmanager"
	irsaAnnotation          = "eks.amazonaws.com/role-arn"
)

func init() {
	secretstore.Register("aws", New)
}

// Provider provisions AWS-side secret access for team namespaces.
type Provider struct {
	deps secretstore.Deps
	cfg  config.AWSProviderConfig
}

// New builds the backend. With verify_identity enabled it performs an STS
// GetCallerIdentity call so a misconfigured balancer role fails at startup
// instead of on the first join.
func New(deps secretstore.Deps) (kube.SecretProvider, error) {
	p := &Provider{deps: deps, cfg: deps.Config.AWS}

	if p.cfg.VerifyIdentity {
		ctx, cancel := context.WithTimeout(context.Background(), deps.Timeout)
		defer cancel()

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS credentials: %w", err)
		}
		identity, err := sts.NewFromConfig(awsCfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return nil, fmt.Errorf("verifying AWS identity: %w", err)
		}
		deps.Logger.Info("aws identity verified",
			slog.String("arn", derefString(identity.Arn)),
			slog.String("account", derefString(identity.Account)))
	}
	return p, nil
}

func (p *Provider) Name() string { return "aws" }

func (p *Provider) Provision(ctx context.Context, teamName string) error {
	ns := team.NamespaceFor(teamName)

	if err := secretstore.AnnotateDefaultServiceAccount(ctx, p.deps.Clientset, ns, irsaAnnotation, p.cfg.IRSARole); err != nil {
		return err
	}

	objects := fmt.Sprintf(
		"- objectName: %q\n  objectType: \"secretsmanager\"\n- objectName: %q\n  objectType: \"secretsmanager\"\n",
		p.cfg.SecretName1, p.cfg.SecretName2)
	return secretstore.CreateSecretProviderClass(ctx, p.deps.Dynamic, ns, secretProviderClassName, "aws",
		map[string]any{"objects": objects})
}

func (p *Provider) MutateDeployment(_ string, d *appsv1.Deployment) {
	podSpec := &d.Spec.Template.Spec
	container := &podSpec.Containers[0]

	secretstore.SetContainerEnv(container, "K8S_ENV", "aws")
	secretstore.SetContainerEnv(container, "FILENAME_CHALLENGE9", p.cfg.SecretName1)
	secretstore.SetContainerEnv(container, "FILENAME_CHALLENGE10", p.cfg.SecretName2)

	container.VolumeMounts = append(container.VolumeMounts, secretstore.CSIVolumeMount())
	podSpec.Volumes = append(podSpec.Volumes, secretstore.CSIVolume(secretProviderClassName))

	// The pod needs the projected token for IRSA to exchange.
	automount := true
	podSpec.AutomountServiceAccountToken = &automount
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
