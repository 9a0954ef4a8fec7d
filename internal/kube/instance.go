// instance.go is the instance state reader plus the small mutations the
// balancer performs on a live instance: refreshing the activity timestamp,
// replacing the passcode hash, restarting pods, and deleting namespaces.
package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/ctf-party/balancer/internal/team"
)

// Instance is a point-in-time snapshot of a team's primary workload. It is
// assembled from the deployment's labels, annotations and controller status
// on every read; nothing here is cached.
type Instance struct {
	Team              string    `json:"team"`
	Name              string    `json:"name"`
	Ready             bool      `json:"ready"`
	ReadyReplicas     int32     `json:"readyReplicas"`
	AvailableReplicas int32     `json:"availableReplicas"`
	CreatedAt         time.Time `json:"createdAt"`
	LastRequest       time.Time `json:"lastConnect"`
	ChallengesSolved  int       `json:"challengesSolved"`

	// PasscodeHash is the bcrypt hash from the passcode annotation. It is
	// never serialized.
	PasscodeHash string `json:"-"`
}

// appDeploymentName returns the name of a team's primary workload.
func appDeploymentName(t string) string {
	return team.NamespaceFor(t) + "-" + AppLabelApplication
}

func desktopDeploymentName(t string) string {
	return team.NamespaceFor(t) + "-" + AppLabelDesktop
}

func challengeDeploymentName(t string) string {
	return team.NamespaceFor(t) + "-" + AppLabelChallenge
}

// GetInstance resolves the current state of a team's instance. A missing
// deployment (or namespace) yields ErrInstanceNotFound.
func (c *Client) GetInstance(ctx context.Context, t string) (*Instance, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	deployment, err := c.clientset.AppsV1().
		Deployments(team.NamespaceFor(t)).
		Get(ctx, appDeploymentName(t), metav1.GetOptions{})
	if err != nil {
		return nil, normalizeNotFound(err)
	}
	return instanceFromDeployment(deployment), nil
}

// ListInstances returns a snapshot of every team instance in the cluster,
// selected by the application label and this balancer's deployment context.
func (c *Client) ListInstances(ctx context.Context) ([]Instance, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	list, err := c.clientset.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s,deployment-context=%s", AppLabelApplication, c.deploymentContext),
	})
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(list.Items))
	for i := range list.Items {
		instances = append(instances, *instanceFromDeployment(&list.Items[i]))
	}
	return instances, nil
}

// CountInstances returns the live number of team instances. Admission reads
// this on every join rather than caching a counter, so the cap stays correct
// across balancer restarts.
func (c *Client) CountInstances(ctx context.Context) (int, error) {
	instances, err := c.ListInstances(ctx)
	if err != nil {
		return 0, err
	}
	return len(instances), nil
}

// TouchLastRequest advances the activity annotations on the team's primary
// workload. Timestamps only move forward: the value written is the current
// wall clock, so concurrent touches all land at-or-after the previous value.
func (c *Client) TouchLastRequest(ctx context.Context, t string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	now := time.Now()
	patch, err := annotationPatch(map[string]string{
		AnnotationLastRequest:         strconv.FormatInt(now.UnixMilli(), 10),
		AnnotationLastRequestReadable: now.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	_, err = c.clientset.AppsV1().
		Deployments(team.NamespaceFor(t)).
		Patch(ctx, appDeploymentName(t), types.MergePatchType, patch, metav1.PatchOptions{})
	return normalizeNotFound(err)
}

// SetPasscodeHash replaces the passcode annotation on the team's primary
// workload. Used only by the explicit reset operation.
func (c *Client) SetPasscodeHash(ctx context.Context, t, hash string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	patch, err := annotationPatch(map[string]string{
		AnnotationPasscode: hash,
	})
	if err != nil {
		return err
	}

	_, err = c.clientset.AppsV1().
		Deployments(team.NamespaceFor(t)).
		Patch(ctx, appDeploymentName(t), types.MergePatchType, patch, metav1.PatchOptions{})
	return normalizeNotFound(err)
}

// DeleteNamespace removes a team's namespace and everything inside it.
// Deleting an already-deleted namespace is success: the reaper and explicit
// admin deletes race each other by design.
func (c *Client) DeleteNamespace(ctx context.Context, t string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	err := c.clientset.CoreV1().Namespaces().Delete(ctx, team.NamespaceFor(t), metav1.DeleteOptions{})
	if err != nil && normalizeNotFound(err) == ErrInstanceNotFound {
		return nil
	}
	return err
}

// DeletePod deletes the single pod carrying the given app label in the
// team's namespace, letting the deployment controller recreate it. appLabel
// is one of the AppLabel constants.
func (c *Client) DeletePod(ctx context.Context, t, appLabel string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	ns := team.NamespaceFor(t)
	pods, err := c.clientset.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s,team=%s,deployment-context=%s", appLabel, t, c.deploymentContext),
	})
	if err != nil {
		return normalizeNotFound(err)
	}
	if len(pods.Items) != 1 {
		return fmt.Errorf("expected exactly one %s pod for team %s, found %d", appLabel, t, len(pods.Items))
	}

	err = c.clientset.CoreV1().Pods(ns).Delete(ctx, pods.Items[0].Name, metav1.DeleteOptions{})
	if err != nil && normalizeNotFound(err) == ErrInstanceNotFound {
		// someone else restarted it first
		return nil
	}
	return err
}

// instanceFromDeployment maps the orchestrated object onto the snapshot the
// rest of the balancer works with.
func instanceFromDeployment(d *appsv1.Deployment) *Instance {
	annotations := d.Annotations
	if annotations == nil {
		annotations = map[string]string{}
	}

	lastRequest := d.CreationTimestamp.Time
	if raw, ok := annotations[AnnotationLastRequest]; ok {
		if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastRequest = time.UnixMilli(millis)
		}
	}

	solved := 0
	if raw, ok := annotations[AnnotationChallengesSolved]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			solved = n
		}
	}

	return &Instance{
		Team:              d.Labels["team"],
		Name:              d.Name,
		Ready:             d.Status.ReadyReplicas > 0,
		ReadyReplicas:     d.Status.ReadyReplicas,
		AvailableReplicas: d.Status.AvailableReplicas,
		CreatedAt:         d.CreationTimestamp.Time,
		LastRequest:       lastRequest,
		ChallengesSolved:  solved,
		PasscodeHash:      annotations[AnnotationPasscode],
	}
}

// annotationPatch builds a JSON merge patch setting the given metadata
// annotations.
func annotationPatch(annotations map[string]string) ([]byte, error) {
	patch := map[string]any{
		"metadata": map[string]any{
			"annotations": annotations,
		},
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshaling annotation patch: %w", err)
	}
	return data, nil
}
