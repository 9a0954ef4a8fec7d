package azure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"github.com/ctf-party/balancer/internal/config"
	"github.com/ctf-party/balancer/internal/secretstore"
)

func testProvider(t *testing.T) (*Provider, *dynamicfake.FakeDynamicClient) {
	t.Helper()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{secretstore.SecretProviderClassGVR: "SecretProviderClassList"})
	provider, err := New(secretstore.Deps{
		Dynamic: dyn,
		Config: config.ProviderConfig{
			Name: "azure",
			Azure: config.AzureProviderConfig{
				TenantID:    "tenant-id",
				VaultName:   "wrongsecrets-vault",
				VaultURI:    "https://wrongsecrets-vault.vault.azure.net/",
				PodClientID: "client-id",
				SecretName1: "wrongsecret-1",
				SecretName2: "wrongsecret-2",
			},
		},
	})
	require.NoError(t, err)
	return provider.(*Provider), dyn
}

func TestProvisionCreatesSecretProviderClass(t *testing.T) {
	provider, dyn := testProvider(t)

	require.NoError(t, provider.Provision(context.Background(), "team-42"))

	obj, err := dyn.Resource(secretstore.SecretProviderClassGVR).Namespace("t-team-42").
		Get(context.Background(), secretProviderClassName, metav1.GetOptions{})
	require.NoError(t, err)

	params, found, err := unstructured.NestedStringMap(obj.Object, "spec", "parameters")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tenant-id", params["tenantId"])
	assert.Equal(t, "wrongsecrets-vault", params["keyvaultName"])
	assert.Equal(t, "true", params["usePodIdentity"])
}

func TestMutateDeploymentAddsPodIdentityAndMount(t *testing.T) {
	provider, _ := testProvider(t)

	d := &appsv1.Deployment{
		Spec: appsv1.DeploymentSpec{
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "wrongsecrets"}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "wrongsecrets"}},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{Name: "wrongsecrets", Env: []corev1.EnvVar{{Name: "K8S_ENV", Value: "k8s"}}},
					},
				},
			},
		},
	}

	provider.MutateDeployment("team-42", d)

	assert.Equal(t, podIdentityName, d.Labels[podIdentityLabel])
	assert.Equal(t, podIdentityName, d.Spec.Selector.MatchLabels[podIdentityLabel])
	assert.Equal(t, podIdentityName, d.Spec.Template.Labels[podIdentityLabel])

	container := d.Spec.Template.Spec.Containers[0]
	envByName := map[string]string{}
	for _, env := range container.Env {
		envByName[env.Name] = env.Value
	}
	assert.Equal(t, "azure", envByName["K8S_ENV"])
	assert.Equal(t, "wrongsecret-1", envByName["FILENAME_CHALLENGE9"])
	assert.Equal(t, "https://wrongsecrets-vault.vault.azure.net/", envByName["SPRING_CLOUD_AZURE_KEYVAULT_SECRET_PROPERTYSOURCES_0_ENDPOINT"])

	require.Len(t, container.VolumeMounts, 1)
	assert.Equal(t, secretstore.CSIMountPath, container.VolumeMounts[0].MountPath)
	require.Len(t, d.Spec.Template.Spec.Volumes, 1)
	assert.Equal(t, secretProviderClassName,
		d.Spec.Template.Spec.Volumes[0].CSI.VolumeAttributes["secretProviderClass"])
}
