package factory

import (
	"context"
	"fmt"
	"os"

	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/config"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/discovery/kubernetes"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/discovery/memory"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/logger"
)

// ResolverFactory creates backend resolvers based on configuration
type ResolverFactory struct {
	cfg *config.Config
}

// NewResolverFactory creates a new resolver factory
func NewResolverFactory(cfg *config.Config) *ResolverFactory {
	return &ResolverFactory{cfg: cfg}
}

// Create creates a backend resolver based on configuration. The Kubernetes
// resolver's informer runs until ctx is done.
func (f *ResolverFactory) Create(ctx context.Context, clientset k8s.Interface) (core.BackendResolver, error) {
	switch f.cfg.DiscoveryMode {
	case config.DiscoveryStatic:
		return f.createStaticResolver()
	case config.DiscoveryKubernetes:
		return f.createKubernetesResolver(ctx, clientset)
	default:
		return nil, fmt.Errorf("unknown discovery mode: %s", f.cfg.DiscoveryMode)
	}
}

func (f *ResolverFactory) createStaticResolver() (core.BackendResolver, error) {
	logger.Info("Creating Static Backend Resolver", "backends", f.cfg.StaticBackends)

	resolver, err := memory.NewResolver(f.cfg.StaticBackends)
	if err != nil {
		return nil, fmt.Errorf("failed to create static resolver: %w", err)
	}

	return resolver, nil
}

func (f *ResolverFactory) createKubernetesResolver(ctx context.Context, clientset k8s.Interface) (core.BackendResolver, error) {
	if clientset == nil {
		return nil, fmt.Errorf("kubernetes discovery requires kubernetes client")
	}

	resolver, err := kubernetes.NewK8sResolver(ctx, clientset, f.cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes resolver: %w", err)
	}
	logger.Info("Kubernetes resolver created successfully", "namespace", f.cfg.Namespace)
	return resolver, nil
}

// NewKubeClient builds a clientset from KUBECONFIG/KUBE_CONTEXT, falling
// back to the in-cluster configuration.
func NewKubeClient(cfg *config.Config) (k8s.Interface, error) {
	logger.Info("Creating Kubernetes client",
		"runtime", cfg.Runtime,
		"kubeconfig", cfg.KubeConfigPath,
		"context", cfg.KubeContext)

	kubeconfig := cfg.KubeConfigPath

	// For non-Kubernetes runtime, kubeconfig is required
	if cfg.Runtime != config.RuntimeKubernetes && kubeconfig == "" {
		if home := os.Getenv("HOME"); home != "" {
			kubeconfig = home + "/.kube/config"
		}
	}

	configOverrides := &clientcmd.ConfigOverrides{}
	if cfg.KubeContext != "" {
		configOverrides.CurrentContext = cfg.KubeContext
		logger.Info("Using specific Kubernetes context", "context", cfg.KubeContext)
	}

	var restConfig *rest.Config
	var err error

	// Try kubeconfig first (for VM/Container runtime or explicit config)
	if kubeconfig != "" {
		restConfig, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig},
			configOverrides,
		).ClientConfig()

		if err != nil {
			logger.Warn("Failed to load kubeconfig, will try in-cluster config", "error", err)
		}
	}

	// Fallback to in-cluster config (for Kubernetes runtime)
	if restConfig == nil {
		logger.Info("Attempting in-cluster Kubernetes configuration")
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config (tried kubeconfig and in-cluster): %w", err)
		}
	}

	clientset, err := k8s.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}
