package secretstore

import (
	"context"
	"encoding/json"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// AnnotateDefaultServiceAccount merge-patches an annotation onto the default
// service account of a namespace. Cloud identity systems (IRSA, GKE workload
// identity) key off these annotations.
func AnnotateDefaultServiceAccount(ctx context.Context, clientset kubernetes.Interface, namespace, key, value string) error {
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"annotations": map[string]string{key: value},
		},
	})
	if err != nil {
		return fmt.Errorf("marshaling service account patch: %w", err)
	}

	_, err = clientset.CoreV1().ServiceAccounts(namespace).
		Patch(ctx, "default", types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("annotating default service account in %s: %w", namespace, err)
	}
	return nil
}

// CreateSecretProviderClass creates a secrets-store CSI SecretProviderClass
// in the given namespace. An existing object with the same name is success.
func CreateSecretProviderClass(ctx context.Context, dyn dynamic.Interface, namespace, name, provider string, parameters map[string]any) error {
	spc := &unstructured.Unstructured{
		Object: map[string]any{
			"apiVersion": "secrets-store.csi.x-k8s.io/v1",
			"kind":       "SecretProviderClass",
			"metadata": map[string]any{
				"name":      name,
				"namespace": namespace,
			},
			"spec": map[string]any{
				"provider":   provider,
				"parameters": parameters,
			},
		},
	}

	_, err := dyn.Resource(SecretProviderClassGVR).Namespace(namespace).
		Create(ctx, spc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating SecretProviderClass %s in %s: %w", name, namespace, err)
	}
	return nil
}
