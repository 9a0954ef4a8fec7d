// Package kube is the narrow cluster-API layer of the balancer. It wraps a
// client-go clientset (plus a dynamic client for the secrets-store custom
// objects) behind the handful of operations the orchestrator actually needs:
// reading and listing team instances, provisioning the full per-team resource
// set, touching activity annotations, and deleting namespaces and pods.
//
// All authoritative state lives in the orchestrated objects themselves
// (labels and annotations on the team deployments); this package holds no
// caches. Every call is bounded by the configured API timeout, and "not
// found" responses are normalized to ErrInstanceNotFound so callers that
// only care about existence never see transport-level errors.
package kube

import (
	"context"
	"errors"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// Annotation keys on the team deployments. The application workload owns the
// challenge annotations; the balancer only ever reads them.
const (
	AnnotationPasscode            = "wrongsecrets-ctf-party/passcode"
	AnnotationLastRequest         = "wrongsecrets-ctf-party/lastRequest"
	AnnotationLastRequestReadable = "wrongsecrets-ctf-party/lastRequestReadable"
	AnnotationChallengesSolved    = "wrongsecrets-ctf-party/challengesSolved"
	AnnotationChallenges          = "wrongsecrets-ctf-party/challenges"
)

// Values of the "app" label distinguishing the three workloads in a team
// namespace.
const (
	AppLabelApplication = "wrongsecrets"
	AppLabelDesktop     = "virtualdesktop"
	AppLabelChallenge   = "secret-challenge-53"
)

// ErrInstanceNotFound is the sentinel for every cluster-API 404 seen while
// resolving a team instance. Callers check it with errors.Is.
var ErrInstanceNotFound = errors.New("team instance not found")

// Client wraps the cluster API surface consumed by the balancer.
type Client struct {
	clientset kubernetes.Interface
	dynamic   dynamic.Interface

	// deploymentContext is stamped as a label onto every created object so
	// several balancer installations can share a cluster.
	deploymentContext string

	// timeout bounds each individual API call.
	timeout time.Duration
}

// NewInCluster builds a Client from the pod's in-cluster service account.
func NewInCluster(deploymentContext string, timeout time.Duration) (*Client, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("loading in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating dynamic client: %w", err)
	}
	return NewClient(clientset, dyn, deploymentContext, timeout), nil
}

// NewClient builds a Client around existing client-go interfaces. Tests pass
// fake clientsets here.
func NewClient(clientset kubernetes.Interface, dyn dynamic.Interface, deploymentContext string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		clientset:         clientset,
		dynamic:           dyn,
		deploymentContext: deploymentContext,
		timeout:           timeout,
	}
}

// Clientset exposes the underlying typed client for collaborators (the
// secrets-store providers patch service accounts through it).
func (c *Client) Clientset() kubernetes.Interface { return c.clientset }

// Dynamic exposes the underlying dynamic client for custom objects.
func (c *Client) Dynamic() dynamic.Interface { return c.dynamic }

// DeploymentContext returns the context label value stamped on created objects.
func (c *Client) DeploymentContext() string { return c.deploymentContext }

// callCtx derives the bounded context used for a single API call.
func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// normalizeNotFound maps cluster-API 404s onto the package sentinel and
// passes every other error through untouched.
func normalizeNotFound(err error) error {
	if err == nil {
		return nil
	}
	if apierrors.IsNotFound(err) {
		return ErrInstanceNotFound
	}
	return err
}

// ignoreAlreadyExists drops "already exists" responses so provisioning can
// be safely re-entered after a partial prior failure.
func ignoreAlreadyExists(err error) error {
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}
