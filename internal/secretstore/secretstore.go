// Package secretstore wires per-team cloud secret backends into
// provisioning. Each backend registers itself under a name ("none", "aws",
// "azure", "gcp"); the configuration selects which one a deployment runs
// with. Backends create cloud-side resources for a team and mutate the
// application deployment so the secrets-store CSI driver can mount them.
package secretstore

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/ctf-party/balancer/internal/config"
	"github.com/ctf-party/balancer/internal/kube"
)

// ErrProviderUnavailable is returned when no backend is registered under the
// configured name.
var ErrProviderUnavailable = fmt.Errorf("secret provider not available")

// SecretProviderClassGVR identifies the secrets-store CSI driver's custom
// resource.
var SecretProviderClassGVR = schema.GroupVersionResource{
	Group:    "secrets-store.csi.x-k8s.io",
	Version:  "v1",
	Resource: "secretproviderclasses",
}

// Deps carries everything a backend needs to operate.
type Deps struct {
	Clientset kubernetes.Interface
	Dynamic   dynamic.Interface
	Config    config.ProviderConfig
	Logger    *slog.Logger
	Timeout   time.Duration
}

// Builder constructs a backend from its dependencies.
type Builder func(deps Deps) (kube.SecretProvider, error)

// Registry manages the available secret store backends.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder under a backend name.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build creates the backend selected by deps.Config.Name.
func (r *Registry) Build(deps Deps) (kube.SecretProvider, error) {
	r.mu.RLock()
	builder, found := r.builders[deps.Config.Name]
	r.mu.RUnlock()

	if !found {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, deps.Config.Name)
	}
	return builder(deps)
}

// AvailableNames returns all registered backend names.
func (r *Registry) AvailableNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}

// GlobalRegistry is the default backend registry. Backend packages register
// themselves here from init, activated by blank imports in the main package.
var GlobalRegistry = NewRegistry()

// Register adds a builder to the global registry.
func Register(name string, builder Builder) {
	GlobalRegistry.Register(name, builder)
}

// Build creates a backend using the global registry.
func Build(deps Deps) (kube.SecretProvider, error) {
	return GlobalRegistry.Build(deps)
}

const csiVolumeName = "secrets-store-inline"

// CSIMountPath is where the secrets-store CSI driver surfaces cloud secrets
// inside the application container.
const CSIMountPath = "/mnt/secrets-store"

// CSIVolume builds the read-only CSI volume referencing a
// SecretProviderClass by name.
func CSIVolume(secretProviderClassName string) corev1.Volume {
	readOnly := true
	return corev1.Volume{
		Name: csiVolumeName,
		VolumeSource: corev1.VolumeSource{
			CSI: &corev1.CSIVolumeSource{
				Driver:   "secrets-store.csi.k8s.io",
				ReadOnly: &readOnly,
				VolumeAttributes: map[string]string{
					"secretProviderClass": secretProviderClassName,
				},
			},
		},
	}
}

// CSIVolumeMount builds the matching container mount.
func CSIVolumeMount() corev1.VolumeMount {
	return corev1.VolumeMount{
		Name:      csiVolumeName,
		MountPath: CSIMountPath,
		ReadOnly:  true,
	}
}
