package kube

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/edvin/dbsync/internal/model"
)

// FromUnstructured decodes a DbSyncPort.
func FromUnstructured(u *unstructured.Unstructured) (*model.DbSyncPort, error) {
	var p model.DbSyncPort
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, &p); err != nil {
		return nil, model.EncodingError("decode "+u.GetNamespace()+"/"+u.GetName(), err)
	}
	return &p, nil
}

// ToUnstructured encodes a DbSyncPort, filling in its type meta.
func ToUnstructured(p *model.DbSyncPort) (*unstructured.Unstructured, error) {
	obj, err := runtime.DefaultUnstructuredConverter.ToUnstructured(p)
	if err != nil {
		return nil, model.EncodingError("encode "+p.Key(), err)
	}
	u := &unstructured.Unstructured{Object: obj}
	u.SetAPIVersion(model.Group + "/" + model.Version)
	u.SetKind(model.Kind)
	return u, nil
}

func fromObject(obj any) (*model.DbSyncPort, error) {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return nil, model.EncodingError("decode object", fmt.Errorf("unexpected type %T", obj))
	}
	return FromUnstructured(u)
}
