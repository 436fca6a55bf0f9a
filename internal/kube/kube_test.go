package kube

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const kubeconfigTemplate = `apiVersion: v1
kind: Config
clusters:
- name: test
  cluster:
    server: %s
contexts:
- name: test-admin
  context:
    cluster: test
    user: admin
- name: test-viewer
  context:
    cluster: test
    user: viewer
current-context: test-admin
users:
- name: admin
  user: {}
- name: viewer
  user: {}
`

func fakeAPIServer(t *testing.T, nodesFail bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/version":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"major":"1","minor":"29","gitVersion":"v1.29.2"}`)
		case r.URL.Path == "/api/v1/nodes":
			if nodesFail {
				http.Error(w, `{"kind":"Status","message":"forbidden"}`, http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"kind":"NodeList","apiVersion":"v1","items":[
				{"metadata":{"name":"n1"}},{"metadata":{"name":"n2"}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeConnected(t *testing.T) {
	srv := fakeAPIServer(t, false)
	kc := []byte(fmt.Sprintf(kubeconfigTemplate, srv.URL))

	res := Probe(context.Background(), kc, 5*time.Second)
	if res.Status != "connected" {
		t.Fatalf("status = %q (%s)", res.Status, res.Message)
	}
	if res.Version != "v1.29.2" {
		t.Fatalf("version = %q", res.Version)
	}
	if res.NodeCount == nil || *res.NodeCount != 2 {
		t.Fatalf("node count = %v", res.NodeCount)
	}
}

func TestProbePartialSuccessIsWarning(t *testing.T) {
	srv := fakeAPIServer(t, true)
	kc := []byte(fmt.Sprintf(kubeconfigTemplate, srv.URL))

	res := Probe(context.Background(), kc, 5*time.Second)
	if res.Status != "warning" {
		t.Fatalf("status = %q (%s)", res.Status, res.Message)
	}
	if res.Version != "v1.29.2" {
		t.Fatalf("version should survive partial failure, got %q", res.Version)
	}
}

func TestProbeUnreachable(t *testing.T) {
	kc := []byte(fmt.Sprintf(kubeconfigTemplate, "http://127.0.0.1:1"))
	res := Probe(context.Background(), kc, time.Second)
	if res.Status != "failed" {
		t.Fatalf("status = %q", res.Status)
	}
}

func TestProbeBadKubeconfig(t *testing.T) {
	res := Probe(context.Background(), []byte("not: a: kubeconfig"), time.Second)
	if res.Status != "failed" {
		t.Fatalf("status = %q", res.Status)
	}
}

func TestContextNames(t *testing.T) {
	kc := []byte(fmt.Sprintf(kubeconfigTemplate, "https://example.invalid"))
	names, err := ContextNames(kc)
	if err != nil {
		t.Fatalf("ContextNames: %v", err)
	}
	if strings.Join(names, ",") != "test-admin,test-viewer" {
		t.Fatalf("names = %v", names)
	}
}
