package secretstore

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
	"k8s.io/client-go/kubernetes/fake"

	"github.com/ctf-party/balancer/internal/config"
	"github.com/ctf-party/balancer/internal/kube"
)

type fakeBackend struct{}

func (fakeBackend) Name() string                              { return "fake" }
func (fakeBackend) Provision(context.Context, string) error   { return nil }
func (fakeBackend) MutateDeployment(string, *appsv1.Deployment) {}

func TestRegistryBuildUnknownProvider(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Build(Deps{Config: config.ProviderConfig{Name: "vault"}})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestRegistryRegisterAndBuild(t *testing.T) {
	registry := NewRegistry()
	registry.Register("fake", func(Deps) (kube.SecretProvider, error) {
		return fakeBackend{}, nil
	})

	assert.Contains(t, registry.AvailableNames(), "fake")

	provider, err := registry.Build(Deps{Config: config.ProviderConfig{Name: "fake"}})
	require.NoError(t, err)
	assert.Equal(t, "fake", provider.Name())
}

func TestAnnotateDefaultServiceAccount(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{Name: "default", Namespace: "t-team-42"},
	})

	err := AnnotateDefaultServiceAccount(context.Background(), clientset, "t-team-42",
		"eks.amazonaws.com/role-arn", "arn:aws:iam::123456789012:role/balancer")
	require.NoError(t, err)

	sa, err := clientset.CoreV1().ServiceAccounts("t-team-42").Get(context.Background(), "default", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:iam::123456789012:role/balancer", sa.Annotations["eks.amazonaws.com/role-arn"])
}

func TestCreateSecretProviderClass(t *testing.T) {
	scheme := runtime.NewScheme()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme,
		map[schema.GroupVersionResource]string{SecretProviderClassGVR: "SecretProviderClassList"})

	err := CreateSecretProviderClass(context.Background(), dyn, "t-team-42",
		"wrongsecrets-aws-secretsmanager", "aws", map[string]any{"objects": "..."})
	require.NoError(t, err)

	obj, err := dyn.Resource(SecretProviderClassGVR).Namespace("t-team-42").
		Get(context.Background(), "wrongsecrets-aws-secretsmanager", metav1.GetOptions{})
	require.NoError(t, err)
	spec, found, err := unstructured.NestedMap(obj.Object, "spec")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "aws", spec["provider"])

	// creating it again is success
	err = CreateSecretProviderClass(context.Background(), dyn, "t-team-42",
		"wrongsecrets-aws-secretsmanager", "aws", map[string]any{"objects": "..."})
	assert.NoError(t, err)
}

func TestSetContainerEnvReplaces(t *testing.T) {
	container := &corev1.Container{
		Env: []corev1.EnvVar{{Name: "K8S_ENV", Value: "k8s"}},
	}

	SetContainerEnv(container, "K8S_ENV", "aws")
	SetContainerEnv(container, "FILENAME_CHALLENGE9", "wrongsecret")

	require.Len(t, container.Env, 2)
	assert.Equal(t, "aws", container.Env[0].Value)
}
