// Package azure is the secret store backend for AKS deployments. Secrets
// come from a shared Key Vault through the secrets-store CSI driver; the
// workload authenticates via pod identity, so the deployment is additionally
// labeled with the aadpodidbinding selector.
package azure

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"

	"github.com/ctf-party/balancer/internal/config"
	"github.com/ctf-party/balancer/internal/kube"
	"github.com/ctf-party/balancer/internal/secretstore"
	"github.com/ctf-party/balancer/internal/team"
)

const (
	secretProviderClassName = "azure-wrongsecrets-vault"
	podIdentityLabel        = "aadpodidbinding"
	podIdentityName         = "wrongsecrets-pod-id"
)

func init() {
	secretstore.Register("azure", New)
}

// Provider provisions Key Vault access for team namespaces.
type Provider struct {
	deps secretstore.Deps
	cfg  config.AzureProviderConfig
}

func New(deps secretstore.Deps) (kube.SecretProvider, error) {
	return &Provider{deps: deps, cfg: deps.Config.Azure}, nil
}

func (p *Provider) Name() string { return "azure" }

func (p *Provider) Provision(ctx context.Context, teamName string) error {
	objects := fmt.Sprintf(
		"array:\n- |\n  objectName: %q\n  objectType: \"secret\"\n- |\n  objectName: %q\n  objectType: \"secret\"\n",
		p.cfg.SecretName1, p.cfg.SecretName2)

	return secretstore.CreateSecretProviderClass(ctx, p.deps.Dynamic, team.NamespaceFor(teamName), secretProviderClassName, "azure",
		map[string]any{
			"usePodIdentity": "true",
			"tenantId":       p.cfg.TenantID,
			"keyvaultName":   p.cfg.VaultName,
			"objects":        objects,
		})
}

func (p *Provider) MutateDeployment(_ string, d *appsv1.Deployment) {
	// pod identity matches on this label at every level of the deployment
	setLabel(&d.Labels, podIdentityLabel, podIdentityName)
	setLabel(&d.Spec.Selector.MatchLabels, podIdentityLabel, podIdentityName)
	setLabel(&d.Spec.Template.Labels, podIdentityLabel, podIdentityName)

	podSpec := &d.Spec.Template.Spec
	container := &podSpec.Containers[0]

	secretstore.SetContainerEnv(container, "K8S_ENV", "azure")
	secretstore.SetContainerEnv(container, "FILENAME_CHALLENGE9", p.cfg.SecretName1)
	secretstore.SetContainerEnv(container, "FILENAME_CHALLENGE10", p.cfg.SecretName2)
	secretstore.SetContainerEnv(container, "SPRING_CLOUD_AZURE_KEYVAULT_SECRET_PROPERTYSOURCEENABLED", "true")
	secretstore.SetContainerEnv(container, "SPRING_CLOUD_AZURE_KEYVAULT_SECRET_PROPERTYSOURCES_0_NAME", "wrongsecrets-3")
	secretstore.SetContainerEnv(container, "SPRING_CLOUD_AZURE_KEYVAULT_SECRET_PROPERTYSOURCES_0_ENDPOINT", p.cfg.VaultURI)
	secretstore.SetContainerEnv(container, "SPRING_CLOUD_AZURE_KEYVAULT_SECRET_PROPERTYSOURCES_0_CREDENTIAL_CLIENTID", p.cfg.PodClientID)
	secretstore.SetContainerEnv(container, "SPRING_CLOUD_AZURE_KEYVAULT_SECRET_PROPERTYSOURCES_0_CREDENTIAL_MANAGEDIDENTITYENABLED", "true")

	container.VolumeMounts = append(container.VolumeMounts, secretstore.CSIVolumeMount())
	podSpec.Volumes = append(podSpec.Volumes, secretstore.CSIVolume(secretProviderClassName))
}

func setLabel(labels *map[string]string, key, value string) {
	if *labels == nil {
		*labels = map[string]string{}
	}
	(*labels)[key] = value
}
