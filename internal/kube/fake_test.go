package kube

import (
	"testing"

	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"github.com/edvin/dbsync/internal/model"
)

func newPort(namespace, name, network string) *model.DbSyncPort {
	return &model.DbSyncPort{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec:       model.DbSyncPortSpec{Network: network},
	}
}

func newFakeDynamic(t *testing.T, ports ...*model.DbSyncPort) *dynamicfake.FakeDynamicClient {
	t.Helper()

	objs := make([]runtime.Object, 0, len(ports))
	for _, p := range ports {
		u, err := ToUnstructured(p)
		require.NoError(t, err)
		objs = append(objs, u)
	}
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{GVR: model.ListKind}, objs...)
}
