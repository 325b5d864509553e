package kube

import (
	"context"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/tools/cache"

	"github.com/edvin/dbsync/internal/model"
)

// Informer is a shared cache of DbSyncPorts across all namespaces.
type Informer struct {
	factory  dynamicinformer.DynamicSharedInformerFactory
	informer informers.GenericInformer
}

func NewInformer(dyn dynamic.Interface, resync time.Duration) *Informer {
	factory := dynamicinformer.NewFilteredDynamicSharedInformerFactory(dyn, resync, metav1.NamespaceAll, nil)
	return &Informer{
		factory:  factory,
		informer: factory.ForResource(GVR),
	}
}

// OnChange calls fn with the namespace/name key of every added, updated or
// deleted port.
func (i *Informer) OnChange(fn func(key string)) error {
	enqueue := func(obj any) {
		key, err := cache.DeletionHandlingMetaNamespaceKeyFunc(obj)
		if err == nil {
			fn(key)
		}
	}
	_, err := i.informer.Informer().AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    enqueue,
		UpdateFunc: func(_, obj any) { enqueue(obj) },
		DeleteFunc: enqueue,
	})
	return err
}

// Start runs the informer until ctx is done.
func (i *Informer) Start(ctx context.Context) {
	i.factory.Start(ctx.Done())
}

// WaitForSync blocks until the initial list is cached or ctx is done.
func (i *Informer) WaitForSync(ctx context.Context) bool {
	return cache.WaitForCacheSync(ctx.Done(), i.informer.Informer().HasSynced)
}

// Shutdown waits for informer goroutines to exit. Call after ctx is done.
func (i *Informer) Shutdown() {
	i.factory.Shutdown()
}

// Get returns the cached port for a namespace/name key. A missing port is
// reported with ok false.
func (i *Informer) Get(key string) (port *model.DbSyncPort, ok bool, err error) {
	namespace, name, err := cache.SplitMetaNamespaceKey(key)
	if err != nil {
		return nil, false, model.EncodingError("split key "+key, err)
	}
	obj, err := i.informer.Lister().ByNamespace(namespace).Get(name)
	if apierrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, model.ControlPlaneError("get "+key, err)
	}
	port, err = fromObject(obj)
	if err != nil {
		return nil, false, err
	}
	return port, true, nil
}

// Owners maps the provisioned usernames of network to their billing owner.
func (i *Informer) Owners(network string) (map[string]model.Owner, error) {
	objs, err := i.informer.Lister().List(labels.Everything())
	if err != nil {
		return nil, model.ControlPlaneError("list "+model.Plural, err)
	}
	owners := make(map[string]model.Owner)
	for _, obj := range objs {
		port, err := fromObject(obj)
		if err != nil {
			return nil, err
		}
		if port.Spec.Network != network || !port.Provisioned() {
			continue
		}
		owners[port.Status.Username] = port.Owner()
	}
	return owners, nil
}
