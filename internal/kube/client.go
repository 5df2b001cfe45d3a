// Package kube reads and writes the cluster objects the upgrade flow works on.
// Everything it returns is parsed into the strict records of the model package.
package kube

import (
	"context"
	"fmt"

	"github.com/medic/cht-upgrade-service/internal/model"
	v1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Client implements the cluster operations on top of a controller-runtime reader and writer.
// The reader should be uncached (the manager's API reader): workloads are read fresh on every pass.
type Client struct {
	reader client.Reader
	writer client.Writer
	kinds  []model.WorkloadKind
}

// NewClient creates a new cluster client listing the given workload kinds
func NewClient(reader client.Reader, writer client.Writer, kinds []model.WorkloadKind) *Client {
	if len(kinds) == 0 {
		kinds = []model.WorkloadKind{model.WorkloadKindDeployment}
	}
	return &Client{
		reader: reader,
		writer: writer,
		kinds:  kinds,
	}
}

// +kubebuilder:rbac:groups=apps,resources=deployments;statefulsets;daemonsets,verbs=get;list;update
// +kubebuilder:rbac:groups="",resources=pods,verbs=list

// GetWorkload reads the named deployment
func (c *Client) GetWorkload(ctx context.Context, namespace, name string) (*model.Workload, error) {
	deployment := &v1.Deployment{}
	if err := c.reader.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, deployment); err != nil {
		return nil, fmt.Errorf("failed to get deployment %s/%s: %w", namespace, name, err)
	}
	workload := toWorkload(&DeploymentAdapter{Deployment: deployment})
	return &workload, nil
}

// ListWorkloads lists every workload of the configured kinds in the namespace
func (c *Client) ListWorkloads(ctx context.Context, namespace string) ([]model.Workload, error) {
	var workloads []model.Workload
	for _, kind := range c.kinds {
		adapters, err := c.listAdapters(ctx, namespace, kind)
		if err != nil {
			return nil, err
		}
		for _, adapter := range adapters {
			workloads = append(workloads, toWorkload(adapter))
		}
	}

	log.FromContext(ctx).V(1).Info("Listed workloads", "namespace", namespace, "count", len(workloads))
	return workloads, nil
}

func (c *Client) listAdapters(ctx context.Context, namespace string, kind model.WorkloadKind) ([]WorkloadAdapter, error) {
	var adapters []WorkloadAdapter
	switch kind {
	case model.WorkloadKindDeployment:
		var list v1.DeploymentList
		if err := c.reader.List(ctx, &list, client.InNamespace(namespace)); err != nil {
			return nil, fmt.Errorf("failed to list deployments in %s: %w", namespace, err)
		}
		for i := range list.Items {
			adapters = append(adapters, &DeploymentAdapter{Deployment: &list.Items[i]})
		}
	case model.WorkloadKindStatefulSet:
		var list v1.StatefulSetList
		if err := c.reader.List(ctx, &list, client.InNamespace(namespace)); err != nil {
			return nil, fmt.Errorf("failed to list statefulsets in %s: %w", namespace, err)
		}
		for i := range list.Items {
			adapters = append(adapters, &StatefulSetAdapter{StatefulSet: &list.Items[i]})
		}
	case model.WorkloadKindDaemonSet:
		var list v1.DaemonSetList
		if err := c.reader.List(ctx, &list, client.InNamespace(namespace)); err != nil {
			return nil, fmt.Errorf("failed to list daemonsets in %s: %w", namespace, err)
		}
		for i := range list.Items {
			adapters = append(adapters, &DaemonSetAdapter{DaemonSet: &list.Items[i]})
		}
	default:
		return nil, fmt.Errorf("unsupported workload kind %q", kind)
	}
	return adapters, nil
}

// ListPods returns a status snapshot of every pod in the namespace
func (c *Client) ListPods(ctx context.Context, namespace string) ([]model.PodStatus, error) {
	var podList corev1.PodList
	if err := c.reader.List(ctx, &podList, client.InNamespace(namespace)); err != nil {
		return nil, fmt.Errorf("failed to list pods in %s: %w", namespace, err)
	}

	statuses := make([]model.PodStatus, 0, len(podList.Items))
	for i := range podList.Items {
		statuses = append(statuses, NewPodAdapter(&podList.Items[i]).GetStatus())
	}
	return statuses, nil
}

// ReplaceWorkload writes the workload's container images back to the cluster.
// The update carries the resource version that was read, so a concurrent change
// surfaces as a conflict instead of being overwritten.
func (c *Client) ReplaceWorkload(ctx context.Context, workload *model.Workload) error {
	if workload.Object == nil {
		return fmt.Errorf("workload %s has no backing object", workload.Ref)
	}

	adapter, err := adapterFor(workload.Object)
	if err != nil {
		return err
	}
	applyContainers(adapter, workload.Containers)

	obj := adapter.GetObject()
	if err := c.writer.Update(ctx, obj); err != nil {
		return fmt.Errorf("failed to replace %s: %w", workload.Ref, err)
	}

	workload.Ref.ResourceVersion = obj.GetResourceVersion()
	log.FromContext(ctx).Info("Workload replaced",
		"kind", workload.Ref.Kind,
		"namespace", workload.Ref.Namespace,
		"name", workload.Ref.Name,
		"resourceVersion", workload.Ref.ResourceVersion)
	return nil
}
