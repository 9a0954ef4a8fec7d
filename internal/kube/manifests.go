// manifests.go builds the Kubernetes objects making up one team environment.
// Everything configurable (images, tags, context label, CTF values) comes
// from the workloads section of the configuration; the shape of the objects
// is fixed.
package kube

import (
	"strconv"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/ctf-party/balancer/internal/config"
	"github.com/ctf-party/balancer/internal/team"
)

const (
	configMapName       = "secrets-file"
	staticSecretName    = "funnystuff"
	challengeSecretName = "challenge33"
	desktopSAName       = "webtop-sa"
	desktopRoleName     = "virtualdesktop-team-role"
	desktopBindingName  = "virtualdesktop-team-rolebinding"

	appPort     = 8080
	desktopPort = 3000
)

// manifests parameterizes the object builders for one team.
type manifests struct {
	workloads config.WorkloadsConfig
	team      string
}

func (m manifests) namespace() string { return team.NamespaceFor(m.team) }

// labels returns the canonical label set for an object with the given app
// label.
func (m manifests) labels(app string) map[string]string {
	return map[string]string{
		"app":                app,
		"team":               m.team,
		"deployment-context": m.workloads.DeploymentContext,
	}
}

// instanceAnnotations returns the lifecycle annotations stamped onto a fresh
// workload: activity timestamps, the passcode hash, and the challenge
// counters the application mutates later.
func (m manifests) instanceAnnotations(passcodeHash string) map[string]string {
	now := time.Now()
	return map[string]string{
		AnnotationLastRequest:         strconv.FormatInt(now.UnixMilli(), 10),
		AnnotationLastRequestReadable: now.Format(time.RFC3339),
		AnnotationPasscode:            passcodeHash,
		AnnotationChallengesSolved:    "0",
		AnnotationChallenges:          "[]",
	}
}

func (m manifests) namespaceObject() *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: m.namespace(),
			Labels: map[string]string{
				"name":                                m.namespace(),
				"team":                                m.team,
				"deployment-context":                  m.workloads.DeploymentContext,
				"pod-security.kubernetes.io/audit":    "restricted",
				"pod-security.kubernetes.io/enforce":  "baseline",
			},
		},
	}
}

func (m manifests) configMap() *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      configMapName,
			Namespace: m.namespace(),
		},
		Data: map[string]string{
			"funny.entry": "helloCTF-configmap",
		},
	}
}

func (m manifests) staticSecret() *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      staticSecretName,
			Namespace: m.namespace(),
		},
		Type: corev1.SecretTypeOpaque,
		StringData: map[string]string{
			"funnier": "Flag: are you having fun yet?",
		},
	}
}

func (m manifests) challengeSecret() *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      challengeSecretName,
			Namespace: m.namespace(),
		},
		Type: corev1.SecretTypeOpaque,
		StringData: map[string]string{
			"answer": m.workloads.Challenge33Value,
		},
	}
}

// appDeployment builds the primary application workload. The passcode hash
// rides along as an annotation: the deployment object is the only durable
// store this system has.
func (m manifests) appDeployment(passcodeHash string) *appsv1.Deployment {
	labels := m.labels(AppLabelApplication)
	automount := false
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        appDeploymentName(m.team),
			Namespace:   m.namespace(),
			Labels:      labels,
			Annotations: m.instanceAnnotations(passcodeHash),
		},
		Spec: appsv1.DeploymentSpec{
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					AutomountServiceAccountToken: &automount,
					SecurityContext:              restrictedPodSecurityContext(),
					Containers: []corev1.Container{
						{
							Name:            AppLabelApplication,
							Image:           m.workloads.AppImage + ":" + m.workloads.AppTag,
							ImagePullPolicy: corev1.PullPolicy(m.workloads.ImagePullPolicy),
							SecurityContext: restrictedContainerSecurityContext(),
							Env:             m.appEnv(),
							Ports:           []corev1.ContainerPort{{ContainerPort: appPort}},
							ReadinessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									HTTPGet: &corev1.HTTPGetAction{
										Path: "/actuator/health/readiness",
										Port: intstr.FromInt32(appPort),
									},
								},
								InitialDelaySeconds: 90,
								TimeoutSeconds:      30,
								PeriodSeconds:       10,
								FailureThreshold:    10,
							},
							LivenessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									HTTPGet: &corev1.HTTPGetAction{
										Path: "/actuator/health/liveness",
										Port: intstr.FromInt32(appPort),
									},
								},
								InitialDelaySeconds: 70,
								TimeoutSeconds:      30,
								PeriodSeconds:       30,
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceMemory:           resource.MustParse("512Mi"),
									corev1.ResourceCPU:              resource.MustParse("200m"),
									corev1.ResourceEphemeralStorage: resource.MustParse("1Gi"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceMemory:           resource.MustParse("512Mi"),
									corev1.ResourceCPU:              resource.MustParse("500m"),
									corev1.ResourceEphemeralStorage: resource.MustParse("2Gi"),
								},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "ephemeral", MountPath: "/tmp"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name:         "ephemeral",
							VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
						},
					},
				},
			},
		},
	}
}

// appEnv is the base environment of the application container. The secrets
// referenced here are the static in-namespace ones; cloud providers append
// their own entries through the deployment mutation hook.
func (m manifests) appEnv() []corev1.EnvVar {
	return []corev1.EnvVar{
		{Name: "hints_enabled", Value: "false"},
		{Name: "ctf_enabled", Value: "true"},
		{Name: "ctf_key", Value: m.workloads.CTFKey},
		{Name: "K8S_ENV", Value: "k8s"},
		{Name: "CTF_SERVER_ADDRESS", Value: m.workloads.CTFServerAddress},
		{
			Name: "SPECIAL_K8S_SECRET",
			ValueFrom: &corev1.EnvVarSource{
				ConfigMapKeyRef: &corev1.ConfigMapKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: configMapName},
					Key:                  "funny.entry",
				},
			},
		},
		{
			Name: "SPECIAL_SPECIAL_K8S_SECRET",
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: staticSecretName},
					Key:                  "funnier",
				},
			},
		},
		{
			Name: "CHALLENGE33",
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: challengeSecretName},
					Key:                  "answer",
				},
			},
		},
	}
}

func (m manifests) appService() *corev1.Service {
	labels := m.labels(AppLabelApplication)
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      appDeploymentName(m.team),
			Namespace: m.namespace(),
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: labels,
			Ports:    []corev1.ServicePort{{Port: appPort}},
		},
	}
}

func (m manifests) challengeDeployment(passcodeHash string) *appsv1.Deployment {
	labels := m.labels(AppLabelChallenge)
	var replicas int32 = 1
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        challengeDeploymentName(m.team),
			Namespace:   m.namespace(),
			Labels:      labels,
			Annotations: m.instanceAnnotations(passcodeHash),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					SecurityContext: restrictedPodSecurityContext(),
					Containers: []corev1.Container{
						{
							Name:            AppLabelChallenge,
							Image:           m.workloads.ChallengeImage + ":" + m.workloads.DesktopTag,
							ImagePullPolicy: corev1.PullPolicy(m.workloads.ImagePullPolicy),
							SecurityContext: restrictedContainerSecurityContext(),
							Env: []corev1.EnvVar{
								{Name: "TEAM_NAME", Value: m.team},
								{Name: "DEPLOYMENT_CONTEXT", Value: m.workloads.DeploymentContext},
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceMemory:           resource.MustParse("32Mi"),
									corev1.ResourceCPU:              resource.MustParse("50m"),
									corev1.ResourceEphemeralStorage: resource.MustParse("100Mi"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceMemory:           resource.MustParse("64Mi"),
									corev1.ResourceCPU:              resource.MustParse("100m"),
									corev1.ResourceEphemeralStorage: resource.MustParse("200Mi"),
								},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "ephemeral", MountPath: "/tmp"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name:         "ephemeral",
							VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
						},
					},
				},
			},
		},
	}
}

func (m manifests) desktopDeployment(passcodeHash string) *appsv1.Deployment {
	labels := m.labels(AppLabelDesktop)
	allowEscalation := true
	runAsNonRoot := false
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        desktopDeploymentName(m.team),
			Namespace:   m.namespace(),
			Labels:      labels,
			Annotations: m.instanceAnnotations(passcodeHash),
		},
		Spec: appsv1.DeploymentSpec{
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					ServiceAccountName: desktopSAName,
					Containers: []corev1.Container{
						{
							Name:            AppLabelDesktop,
							Image:           m.workloads.DesktopImage + ":" + m.workloads.DesktopTag,
							ImagePullPolicy: corev1.PullPolicy(m.workloads.ImagePullPolicy),
							// The desktop ships a full userland; it cannot run
							// under the restricted profile the other workloads use.
							SecurityContext: &corev1.SecurityContext{
								AllowPrivilegeEscalation: &allowEscalation,
								RunAsNonRoot:             &runAsNonRoot,
							},
							Env: []corev1.EnvVar{
								{Name: "PUID", Value: "1000"},
								{Name: "PGID", Value: "1000"},
							},
							Ports: []corev1.ContainerPort{{ContainerPort: 6080}},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceMemory:           resource.MustParse("2560Mi"),
									corev1.ResourceCPU:              resource.MustParse("600m"),
									corev1.ResourceEphemeralStorage: resource.MustParse("4Gi"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceMemory:           resource.MustParse("4Gi"),
									corev1.ResourceCPU:              resource.MustParse("2000m"),
									corev1.ResourceEphemeralStorage: resource.MustParse("8Gi"),
								},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "config-fs", MountPath: "/config"},
							},
							ReadinessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									HTTPGet: &corev1.HTTPGetAction{
										Path: "/",
										Port: intstr.FromInt32(desktopPort),
									},
								},
								InitialDelaySeconds: 24,
								PeriodSeconds:       2,
								FailureThreshold:    10,
							},
							LivenessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									HTTPGet: &corev1.HTTPGetAction{
										Path: "/",
										Port: intstr.FromInt32(desktopPort),
									},
								},
								InitialDelaySeconds: 30,
								PeriodSeconds:       15,
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "config-fs",
							VolumeSource: corev1.VolumeSource{
								EmptyDir: &corev1.EmptyDirVolumeSource{
									Medium:    corev1.StorageMediumMemory,
									SizeLimit: ptrQuantity("160Mi"),
								},
							},
						},
					},
				},
			},
		},
	}
}

func (m manifests) desktopService() *corev1.Service {
	labels := m.labels(AppLabelDesktop)
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      desktopDeploymentName(m.team),
			Namespace: m.namespace(),
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: labels,
			Ports: []corev1.ServicePort{
				{Port: appPort, TargetPort: intstr.FromInt32(desktopPort)},
			},
		},
	}
}

func (m manifests) desktopServiceAccount() *corev1.ServiceAccount {
	return &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      desktopSAName,
			Namespace: m.namespace(),
		},
	}
}

// desktopRole scopes the in-desktop tooling to the team's own namespace.
// challengePodName, when known, further restricts exec and patch to that one
// pod; with an empty name those rules are omitted until the pod exists.
func (m manifests) desktopRole(challengePodName string) *rbacv1.Role {
	rules := []rbacv1.PolicyRule{
		{
			APIGroups: []string{""},
			Resources: []string{"secrets"},
			Verbs:     []string{"get", "list"},
		},
		{
			APIGroups: []string{""},
			Resources: []string{"configmaps"},
			Verbs:     []string{"get", "list"},
		},
		{
			APIGroups: []string{""},
			Resources: []string{"pods", "pods/log"},
			Verbs:     []string{"get", "list", "watch"},
		},
		{
			APIGroups: []string{"apps"},
			Resources: []string{"deployments"},
			Verbs:     []string{"get", "list", "watch"},
		},
	}
	if challengePodName != "" {
		rules = append(rules,
			rbacv1.PolicyRule{
				APIGroups:     []string{""},
				Resources:     []string{"pods/exec"},
				Verbs:         []string{"create"},
				ResourceNames: []string{challengePodName},
			},
			rbacv1.PolicyRule{
				APIGroups:     []string{""},
				Resources:     []string{"pods"},
				Verbs:         []string{"patch", "update"},
				ResourceNames: []string{challengePodName},
			},
		)
	}
	return &rbacv1.Role{
		ObjectMeta: metav1.ObjectMeta{
			Name:      desktopRoleName,
			Namespace: m.namespace(),
		},
		Rules: rules,
	}
}

func (m manifests) desktopRoleBinding() *rbacv1.RoleBinding {
	return &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:      desktopBindingName,
			Namespace: m.namespace(),
		},
		Subjects: []rbacv1.Subject{
			{Kind: "ServiceAccount", Name: desktopSAName, Namespace: m.namespace()},
		},
		RoleRef: rbacv1.RoleRef{
			Kind:     "Role",
			Name:     desktopRoleName,
			APIGroup: "rbac.authorization.k8s.io",
		},
	}
}

func restrictedPodSecurityContext() *corev1.PodSecurityContext {
	var uid, gid, fsGroup int64 = 2000, 2000, 2000
	return &corev1.PodSecurityContext{
		RunAsUser:  &uid,
		RunAsGroup: &gid,
		FSGroup:    &fsGroup,
	}
}

func restrictedContainerSecurityContext() *corev1.SecurityContext {
	noEscalation := false
	readOnlyRoot := true
	nonRoot := true
	return &corev1.SecurityContext{
		AllowPrivilegeEscalation: &noEscalation,
		ReadOnlyRootFilesystem:   &readOnlyRoot,
		RunAsNonRoot:             &nonRoot,
		Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		SeccompProfile:           &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault},
	}
}

func ptrQuantity(s string) *resource.Quantity {
	q := resource.MustParse(s)
	return &q
}
