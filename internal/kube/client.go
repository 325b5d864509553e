package kube

import (
	"context"
	"encoding/json"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/edvin/dbsync/internal/model"
)

// fieldManager is recorded on every write made by the operator.
const fieldManager = "dbsync-operator"

// GVR is the resource served by the DbSyncPort CRD.
var GVR = schema.GroupVersionResource{Group: model.Group, Version: model.Version, Resource: model.Plural}

// RestConfig loads the kubeconfig at path, or the in-cluster configuration
// when path is empty.
func RestConfig(path string) (*rest.Config, error) {
	if path == "" {
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("load in-cluster config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig %s: %w", path, err)
	}
	return cfg, nil
}

// Client reads and patches DbSyncPort resources.
type Client struct {
	dyn dynamic.Interface
}

func NewClient(dyn dynamic.Interface) *Client {
	return &Client{dyn: dyn}
}

// Dynamic exposes the underlying client for informer construction.
func (c *Client) Dynamic() dynamic.Interface {
	return c.dyn
}

func (c *Client) Get(ctx context.Context, namespace, name string) (*model.DbSyncPort, error) {
	u, err := c.dyn.Resource(GVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, model.ControlPlaneError("get "+namespace+"/"+name, err)
	}
	return FromUnstructured(u)
}

// Latest reads port from the API server, bypassing any informer cache.
func (c *Client) Latest(ctx context.Context, port *model.DbSyncPort) (*model.DbSyncPort, error) {
	return c.Get(ctx, port.Namespace, port.Name)
}

// List returns up to limit ports across all namespaces. A zero limit lists
// everything.
func (c *Client) List(ctx context.Context, limit int64) ([]model.DbSyncPort, error) {
	list, err := c.dyn.Resource(GVR).List(ctx, metav1.ListOptions{Limit: limit})
	if err != nil {
		return nil, model.ControlPlaneError("list "+model.Plural, err)
	}
	out := make([]model.DbSyncPort, 0, len(list.Items))
	for i := range list.Items {
		p, err := FromUnstructured(&list.Items[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// AddFinalizer attaches the operator finalizer. The patch carries the
// observed resourceVersion so a concurrent change makes it fail.
func (c *Client) AddFinalizer(ctx context.Context, port *model.DbSyncPort) (*model.DbSyncPort, error) {
	if port.HasFinalizer(model.Finalizer) {
		return port, nil
	}
	finalizers := append(append([]string{}, port.Finalizers...), model.Finalizer)
	return c.patchFinalizers(ctx, port, finalizers)
}

// RemoveFinalizer detaches the operator finalizer, releasing the resource
// for deletion.
func (c *Client) RemoveFinalizer(ctx context.Context, port *model.DbSyncPort) (*model.DbSyncPort, error) {
	if !port.HasFinalizer(model.Finalizer) {
		return port, nil
	}
	finalizers := make([]string, 0, len(port.Finalizers))
	for _, f := range port.Finalizers {
		if f != model.Finalizer {
			finalizers = append(finalizers, f)
		}
	}
	return c.patchFinalizers(ctx, port, finalizers)
}

func (c *Client) patchFinalizers(ctx context.Context, port *model.DbSyncPort, finalizers []string) (*model.DbSyncPort, error) {
	meta := map[string]any{"finalizers": finalizers}
	if port.ResourceVersion != "" {
		meta["resourceVersion"] = port.ResourceVersion
	}
	return c.patch(ctx, port, map[string]any{"metadata": meta}, "patch finalizers")
}

// PatchStatus merges status into the status subresource. Other fields are
// left untouched. The observed resourceVersion is sent along, so the patch
// fails with a conflict if port changed since it was read.
func (c *Client) PatchStatus(ctx context.Context, port *model.DbSyncPort, status model.DbSyncPortStatus) (*model.DbSyncPort, error) {
	body := map[string]any{"status": status}
	if port.ResourceVersion != "" {
		body["metadata"] = map[string]any{"resourceVersion": port.ResourceVersion}
	}
	return c.patch(ctx, port, body, "patch status", "status")
}

func (c *Client) patch(ctx context.Context, port *model.DbSyncPort, body map[string]any, op string, subresources ...string) (*model.DbSyncPort, error) {
	op = op + " " + port.Key()

	data, err := json.Marshal(body)
	if err != nil {
		return nil, model.EncodingError(op, err)
	}
	u, err := c.dyn.Resource(GVR).Namespace(port.Namespace).Patch(ctx, port.Name, types.MergePatchType, data,
		metav1.PatchOptions{FieldManager: fieldManager}, subresources...)
	if err != nil {
		return nil, model.ControlPlaneError(op, err)
	}
	return FromUnstructured(u)
}
