// Package kube wraps client-go access to registered clusters: connectivity
// probes and the typed listings the builtin checks need.
package kube

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"gopkg.in/yaml.v3"
)

// Client is a thin wrapper over a clientset built from raw kubeconfig bytes.
type Client struct {
	clientset kubernetes.Interface
}

// NewClient builds a client from kubeconfig bytes. The timeout applies to
// every request issued through the client.
func NewClient(kubeconfig []byte, timeout time.Duration) (*Client, error) {
	cfg, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("parse kubeconfig: %w", err)
	}
	cfg.Timeout = timeout
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}
	return &Client{clientset: cs}, nil
}

// NewClientFromRest builds a client from an existing rest config. Used by
// tests and by in-cluster agents.
func NewClientFromRest(cfg *rest.Config) (*Client, error) {
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{clientset: cs}, nil
}

// ServerVersion returns the API server's version string.
func (c *Client) ServerVersion() (string, error) {
	info, err := c.clientset.Discovery().ServerVersion()
	if err != nil {
		return "", err
	}
	return info.GitVersion, nil
}

// Nodes lists cluster nodes.
func (c *Client) Nodes(ctx context.Context) ([]corev1.Node, error) {
	list, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{Limit: 500})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// Pods lists pods across all namespaces.
func (c *Client) Pods(ctx context.Context) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{Limit: 2000})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// WarningEvents lists recent non-Normal events across all namespaces.
func (c *Client) WarningEvents(ctx context.Context) ([]corev1.Event, error) {
	list, err := c.clientset.CoreV1().Events(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "type!=Normal",
		Limit:         200,
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// ProbeResult is the outcome of a cluster connectivity probe.
type ProbeResult struct {
	Status    string // connected, warning, failed
	Message   string
	Version   string
	NodeCount *int
}

// Probe validates a kubeconfig by hitting the API server: version first, then
// a node listing. Version OK but nodes failing is a partial success.
func Probe(ctx context.Context, kubeconfig []byte, timeout time.Duration) ProbeResult {
	client, err := NewClient(kubeconfig, timeout)
	if err != nil {
		return ProbeResult{Status: "failed", Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	version, err := client.ServerVersion()
	if err != nil {
		return ProbeResult{Status: "failed", Message: fmt.Sprintf("API server unreachable: %v", err)}
	}

	nodes, err := client.Nodes(ctx)
	if err != nil {
		return ProbeResult{
			Status:  "warning",
			Message: fmt.Sprintf("version OK but node listing failed: %v", err),
			Version: version,
		}
	}
	n := len(nodes)
	return ProbeResult{
		Status:    "connected",
		Message:   fmt.Sprintf("connected, %d node(s)", n),
		Version:   version,
		NodeCount: &n,
	}
}

// ContextNames extracts the context names declared in a kubeconfig.
func ContextNames(kubeconfig []byte) ([]string, error) {
	var doc struct {
		Contexts []struct {
			Name string `yaml:"name"`
		} `yaml:"contexts"`
	}
	if err := yaml.Unmarshal(kubeconfig, &doc); err != nil {
		return nil, fmt.Errorf("parse kubeconfig contexts: %w", err)
	}
	names := make([]string, 0, len(doc.Contexts))
	for _, c := range doc.Contexts {
		if c.Name != "" {
			names = append(names, c.Name)
		}
	}
	return names, nil
}
