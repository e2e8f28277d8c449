package kubernetes

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/logger"
)

// Service labels read by the resolver.
const (
	LabelEnabled  = "xalpn-proxy-enabled"
	LabelProtocol = "xalpn-proxy-protocol"
	LabelPort     = "xalpn-proxy-port"
)

type K8sResolver struct {
	store cache.Store
}

// NewK8sResolver watches Services in namespace ("" for all namespaces) and
// blocks until the informer cache is synced. The informer stops with ctx.
func NewK8sResolver(ctx context.Context, clientset kubernetes.Interface, namespace string) (*K8sResolver, error) {
	factory := informers.NewSharedInformerFactoryWithOptions(clientset, 10*time.Minute,
		informers.WithNamespace(namespace))
	serviceInformer := factory.Core().V1().Services().Informer()

	// Start the informer in the background
	factory.Start(ctx.Done())
	for typ, ok := range factory.WaitForCacheSync(ctx.Done()) {
		if !ok {
			return nil, fmt.Errorf("failed to sync informer cache for %v", typ)
		}
	}

	return &K8sResolver{
		store: serviceInformer.GetStore(),
	}, nil
}

// ProtocolLabelValue turns an ALPN name into a valid label value,
// e.g. "http/1.1" becomes "http-1.1".
func ProtocolLabelValue(protocol string) string {
	return strings.ReplaceAll(protocol, "/", "-")
}

// Resolve implements core.BackendResolver. When several Services match, the
// first by namespace/name wins.
func (r *K8sResolver) Resolve(ctx context.Context, protocol string) (string, error) {
	want := ProtocolLabelValue(protocol)

	var matches []*corev1.Service
	// Scan services for matching labels
	for _, obj := range r.store.List() {
		svc, ok := obj.(*corev1.Service)
		if !ok {
			continue
		}

		labels := svc.Labels
		if labels[LabelEnabled] != "true" {
			continue
		}
		if labels[LabelProtocol] != want {
			continue
		}
		matches = append(matches, svc)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Namespace != matches[j].Namespace {
			return matches[i].Namespace < matches[j].Namespace
		}
		return matches[i].Name < matches[j].Name
	})

	for _, svc := range matches {
		port, err := servicePort(svc)
		if err != nil {
			logger.Warn("Skipping service", "service", svc.Namespace+"/"+svc.Name, "error", err)
			continue
		}
		return fmt.Sprintf("%s.%s.svc.cluster.local:%d", svc.Name, svc.Namespace, port), nil
	}

	return "", fmt.Errorf("service not found for protocol='%s'", protocol)
}

// servicePort picks the port named or numbered by the port label, or the
// first port when the label is absent.
func servicePort(svc *corev1.Service) (int32, error) {
	if len(svc.Spec.Ports) == 0 {
		return 0, fmt.Errorf("service has no ports")
	}

	want, ok := svc.Labels[LabelPort]
	if !ok || want == "" {
		return svc.Spec.Ports[0].Port, nil
	}

	number, numErr := strconv.Atoi(want)
	for _, p := range svc.Spec.Ports {
		if p.Name == want || (numErr == nil && int(p.Port) == number) {
			return p.Port, nil
		}
	}
	return 0, fmt.Errorf("port %q not found", want)
}
