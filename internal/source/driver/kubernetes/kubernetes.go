// Package kubernetes loads proxy records from the endpoints of a Kubernetes
// Service whose pods run forward proxies.
//
// Service annotations describe the pool: proxyrotator.io/country-code,
// proxyrotator.io/region and proxyrotator.io/cost-per-request. An endpoint's
// zone overrides the region annotation.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/songzhibin97/proxyrotator/internal/source"
	"github.com/songzhibin97/proxyrotator/internal/types"
)

// Service annotations read by the source.
const (
	AnnotationCountryCode    = "proxyrotator.io/country-code"
	AnnotationRegion         = "proxyrotator.io/region"
	AnnotationCostPerRequest = "proxyrotator.io/cost-per-request"
)

// Config represents the Kubernetes source configuration
type Config struct {
	// Kubeconfig path; empty uses the in-cluster config.
	Kubeconfig string `yaml:"kubeconfig"`
	Namespace  string `yaml:"namespace"`
	Service    string `yaml:"service"`
	// PortName selects the service port; empty uses the first one.
	PortName string `yaml:"port_name"`
	// Scheme of the proxy URLs: http, https, socks5 or socks5h.
	Scheme string `yaml:"scheme"`
	// UseEndpoints reads the legacy Endpoints API instead of EndpointSlices.
	UseEndpoints bool `yaml:"use_endpoints"`
	// IncludeNotReady keeps not-ready endpoints as UNHEALTHY proxies instead
	// of dropping them. Readiness then owns the health of every record.
	IncludeNotReady bool          `yaml:"include_not_ready"`
	Timeout         time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "default",
		Scheme:    "http",
		Timeout:   10 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Service == "" {
		return errors.New("service is required")
	}
	switch c.Scheme {
	case "", "http", "https", "socks5", "socks5h":
	default:
		return fmt.Errorf("unsupported scheme %q", c.Scheme)
	}
	return nil
}

// Source implements source.Source on top of a Service's endpoints.
type Source struct {
	clientset kubernetes.Interface
	config    Config
}

// New creates a source with a clientset built from the kubeconfig or the
// in-cluster config.
func New(config *Config) (*Source, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	clientset, err := createKubernetesClient(config)
	if err != nil {
		return nil, err
	}
	return NewWithClient(clientset, config), nil
}

// NewWithClient wraps an existing clientset.
func NewWithClient(clientset kubernetes.Interface, config *Config) *Source {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	return &Source{clientset: clientset, config: cfg}
}

func createKubernetesClient(config *Config) (kubernetes.Interface, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	if config.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", config.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build config from kubeconfig: %w", err)
		}
	} else {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
		}
	}
	if config.Timeout > 0 {
		restConfig.Timeout = config.Timeout
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return clientset, nil
}

// Name implements source.Source.
func (s *Source) Name() string {
	return "kubernetes:" + s.config.Namespace + "/" + s.config.Service
}

// endpoint is one address of the service, from either API.
type endpoint struct {
	ip    string
	port  int32
	ready bool
	zone  string
	node  string
	pod   string
}

// Load implements source.Source. Records are ordered by ID.
func (s *Source) Load(ctx context.Context) ([]source.Record, error) {
	svc, err := s.clientset.CoreV1().Services(s.config.Namespace).Get(ctx, s.config.Service, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get service %s/%s: %w", s.config.Namespace, s.config.Service, err)
	}
	defaults, err := serviceDefaults(svc)
	if err != nil {
		return nil, err
	}

	var endpoints []endpoint
	if s.config.UseEndpoints {
		endpoints, err = s.loadEndpoints(ctx)
	} else {
		endpoints, err = s.loadEndpointSlices(ctx)
	}
	if err != nil {
		return nil, err
	}

	records := make([]source.Record, 0, len(endpoints))
	seen := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		if !ep.ready && !s.config.IncludeNotReady {
			continue
		}
		addr := net.JoinHostPort(ep.ip, strconv.Itoa(int(ep.port)))
		id := s.config.Namespace + "/" + s.config.Service + "/" + addr
		if seen[id] {
			continue
		}
		seen[id] = true

		rec := defaults
		rec.ID = id
		rec.URL = s.config.Scheme + "://" + addr
		if ep.zone != "" {
			rec.Region = ep.zone
		}
		rec.Tags = map[string]string{
			"namespace": s.config.Namespace,
			"service":   s.config.Service,
		}
		if ep.node != "" {
			rec.Tags["node"] = ep.node
		}
		if ep.pod != "" {
			rec.Tags["pod"] = ep.pod
		}
		if s.config.IncludeNotReady {
			rec.Health = types.HealthHealthy.String()
			if !ep.ready {
				rec.Health = types.HealthUnhealthy.String()
			}
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (s *Source) loadEndpointSlices(ctx context.Context) ([]endpoint, error) {
	slices, err := s.clientset.DiscoveryV1().EndpointSlices(s.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: discoveryv1.LabelServiceName + "=" + s.config.Service,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list endpointslices: %w", err)
	}

	var out []endpoint
	for i := range slices.Items {
		slice := &slices.Items[i]
		port, ok := s.slicePort(slice.Ports)
		if !ok {
			continue
		}
		for _, ep := range slice.Endpoints {
			// a nil ready condition means ready
			ready := ep.Conditions.Ready == nil || *ep.Conditions.Ready
			if ep.Conditions.Terminating != nil && *ep.Conditions.Terminating {
				ready = false
			}
			var zone, node, pod string
			if ep.Zone != nil {
				zone = *ep.Zone
			}
			if ep.NodeName != nil {
				node = *ep.NodeName
			}
			if ep.TargetRef != nil && ep.TargetRef.Kind == "Pod" {
				pod = ep.TargetRef.Name
			}
			for _, ip := range ep.Addresses {
				out = append(out, endpoint{ip: ip, port: port, ready: ready, zone: zone, node: node, pod: pod})
			}
		}
	}
	return out, nil
}

func (s *Source) slicePort(ports []discoveryv1.EndpointPort) (int32, bool) {
	for _, p := range ports {
		if p.Port == nil {
			continue
		}
		if s.config.PortName == "" || (p.Name != nil && *p.Name == s.config.PortName) {
			return *p.Port, true
		}
	}
	return 0, false
}

func (s *Source) loadEndpoints(ctx context.Context) ([]endpoint, error) {
	eps, err := s.clientset.CoreV1().Endpoints(s.config.Namespace).Get(ctx, s.config.Service, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoints: %w", err)
	}

	var out []endpoint
	for _, subset := range eps.Subsets {
		port, ok := s.subsetPort(subset.Ports)
		if !ok {
			continue
		}
		add := func(addrs []corev1.EndpointAddress, ready bool) {
			for _, a := range addrs {
				ep := endpoint{ip: a.IP, port: port, ready: ready}
				if a.NodeName != nil {
					ep.node = *a.NodeName
				}
				if a.TargetRef != nil && a.TargetRef.Kind == "Pod" {
					ep.pod = a.TargetRef.Name
				}
				out = append(out, ep)
			}
		}
		add(subset.Addresses, true)
		add(subset.NotReadyAddresses, false)
	}
	return out, nil
}

func (s *Source) subsetPort(ports []corev1.EndpointPort) (int32, bool) {
	for _, p := range ports {
		if s.config.PortName == "" || p.Name == s.config.PortName {
			return p.Port, true
		}
	}
	return 0, false
}

func serviceDefaults(svc *corev1.Service) (source.Record, error) {
	var rec source.Record
	rec.CountryCode = svc.Annotations[AnnotationCountryCode]
	rec.Region = svc.Annotations[AnnotationRegion]
	if raw, ok := svc.Annotations[AnnotationCostPerRequest]; ok {
		cost, err := strconv.ParseFloat(raw, 64)
		if err != nil || cost < 0 {
			return rec, fmt.Errorf("service %s/%s: invalid %s %q", svc.Namespace, svc.Name, AnnotationCostPerRequest, raw)
		}
		rec.CostPerRequest = cost
	}
	return rec, nil
}

// Close implements source.Source.
func (s *Source) Close() error {
	return nil
}
