package kube

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/ctf-party/balancer/internal/team"
)

// controlPlaneAddresses resolves the IPs of the API server by reading the
// "kubernetes" endpoints object in the default namespace. Virtual desktops
// need these whitelisted so kubectl works from inside a locked-down
// namespace.
func (c *Client) controlPlaneAddresses(ctx context.Context) ([]string, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	ep, err := c.clientset.CoreV1().Endpoints("default").Get(callCtx, "kubernetes", metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("reading kubernetes endpoints: %w", err)
	}
	var ips []string
	for _, subset := range ep.Subsets {
		for _, addr := range subset.Addresses {
			ips = append(ips, addr.IP)
		}
	}
	return ips, nil
}

// teamNetworkPolicies builds the full isolation policy set for a team
// namespace: deny everything, then selectively re-open DNS, the balancer
// path, app/desktop traffic inside the namespace, and the API server for the
// desktop's kubectl.
func teamNetworkPolicies(teamName string, controlPlaneIPs []string) []*networkingv1.NetworkPolicy {
	ns := team.NamespaceFor(teamName)
	tcp := corev1.ProtocolTCP
	udp := corev1.ProtocolUDP

	port := func(p int32, proto corev1.Protocol) networkingv1.NetworkPolicyPort {
		v := intstr.FromInt32(p)
		pr := proto
		return networkingv1.NetworkPolicyPort{Port: &v, Protocol: &pr}
	}
	namespacePeer := func(name string) networkingv1.NetworkPolicyPeer {
		return networkingv1.NetworkPolicyPeer{
			NamespaceSelector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"kubernetes.io/metadata.name": name},
			},
		}
	}
	namespaceAllPodsPeer := func(name string) networkingv1.NetworkPolicyPeer {
		p := namespacePeer(name)
		p.PodSelector = &metav1.LabelSelector{}
		return p
	}
	appPeer := func(app string) networkingv1.NetworkPolicyPeer {
		return networkingv1.NetworkPolicyPeer{
			PodSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": app}},
		}
	}

	var controlPlanePeers []networkingv1.NetworkPolicyPeer
	for _, ip := range controlPlaneIPs {
		controlPlanePeers = append(controlPlanePeers, networkingv1.NetworkPolicyPeer{
			IPBlock: &networkingv1.IPBlock{CIDR: ip + "/32"},
		})
	}

	apiServerPorts := []networkingv1.NetworkPolicyPort{
		port(443, tcp), port(8443, tcp), port(80, tcp), port(10250, tcp), port(53, udp),
	}
	kubeSystemPorts := []networkingv1.NetworkPolicyPort{
		port(8443, tcp), port(8443, udp), port(443, tcp), port(443, udp),
	}

	return []*networkingv1.NetworkPolicy{
		{
			ObjectMeta: metav1.ObjectMeta{Name: "access-kubectl-from-virtualdeskop", Namespace: ns},
			Spec: networkingv1.NetworkPolicySpec{
				PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{"app": AppLabelDesktop}},
				Egress: []networkingv1.NetworkPolicyEgressRule{
					{To: controlPlanePeers, Ports: apiServerPorts},
				},
			},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Name: "default-deny-all", Namespace: ns},
			Spec: networkingv1.NetworkPolicySpec{
				PodSelector: metav1.LabelSelector{},
				PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress},
			},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Name: "allow-dns-egress", Namespace: ns},
			Spec: networkingv1.NetworkPolicySpec{
				PodSelector: metav1.LabelSelector{},
				PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
				Egress: []networkingv1.NetworkPolicyEgressRule{
					{Ports: []networkingv1.NetworkPolicyPort{port(53, udp), port(53, tcp)}},
				},
			},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Name: "balancer-access-to-namespace", Namespace: ns},
			Spec: networkingv1.NetworkPolicySpec{
				PodSelector: metav1.LabelSelector{},
				Ingress: []networkingv1.NetworkPolicyIngressRule{
					{From: []networkingv1.NetworkPolicyPeer{
						namespacePeer("default"),
						{PodSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{"app.kubernetes.io/name": "wrongsecrets-ctf-party"},
						}},
					}},
				},
				Egress: []networkingv1.NetworkPolicyEgressRule{
					{To: []networkingv1.NetworkPolicyPeer{
						namespacePeer("default"),
						{PodSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{"app.kubernetes.io/name": "wrongsecrets-ctf-party"},
						}},
					}},
				},
			},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Name: "allow-wrongsecrets-access", Namespace: ns},
			Spec: networkingv1.NetworkPolicySpec{
				PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{"app": AppLabelApplication}},
				Ingress: []networkingv1.NetworkPolicyIngressRule{
					{From: []networkingv1.NetworkPolicyPeer{appPeer(AppLabelDesktop)}},
				},
				Egress: []networkingv1.NetworkPolicyEgressRule{
					{To: []networkingv1.NetworkPolicyPeer{appPeer(AppLabelDesktop)}},
				},
			},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Name: "allow-virtualdesktop-access", Namespace: ns},
			Spec: networkingv1.NetworkPolicySpec{
				PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{"app": AppLabelDesktop}},
				Ingress: []networkingv1.NetworkPolicyIngressRule{
					{From: []networkingv1.NetworkPolicyPeer{appPeer(AppLabelApplication)}},
				},
				Egress: []networkingv1.NetworkPolicyEgressRule{
					{To: []networkingv1.NetworkPolicyPeer{appPeer(AppLabelApplication)}},
				},
			},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Name: "kubectl-policy", Namespace: ns},
			Spec: networkingv1.NetworkPolicySpec{
				PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{"app": AppLabelDesktop}},
				PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress},
				Ingress: []networkingv1.NetworkPolicyIngressRule{
					{From: []networkingv1.NetworkPolicyPeer{
						namespaceAllPodsPeer("kube-system"),
						namespaceAllPodsPeer("default"),
						namespaceAllPodsPeer(ns),
					}},
				},
				Egress: []networkingv1.NetworkPolicyEgressRule{
					{To: []networkingv1.NetworkPolicyPeer{
						namespaceAllPodsPeer("kube-system"),
						namespaceAllPodsPeer(ns),
					}},
				},
			},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Name: "allow-webtop-kubesystem", Namespace: ns},
			Spec: networkingv1.NetworkPolicySpec{
				PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{"app": AppLabelDesktop}},
				PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
				Egress: []networkingv1.NetworkPolicyEgressRule{
					{To: []networkingv1.NetworkPolicyPeer{namespacePeer("kube-system")}, Ports: kubeSystemPorts},
				},
				Ingress: []networkingv1.NetworkPolicyIngressRule{
					{From: []networkingv1.NetworkPolicyPeer{namespacePeer("kube-system")}, Ports: kubeSystemPorts},
				},
			},
		},
	}
}
