package upgrade

import (
	"context"
	"errors"
	"strings"

	"github.com/medic/cht-upgrade-service/internal/kube"
	"github.com/medic/cht-upgrade-service/internal/model"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const (
	namespace = "cht"
	scope     = "cht-api"
)

func newDeployment(ns, name string, containers ...corev1.Container) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels:    map[string]string{"app": name},
		},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: containers},
			},
		},
	}
}

func newPod(name string, phase corev1.PodPhase, states ...corev1.ContainerState) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Status:     corev1.PodStatus{Phase: phase},
	}
	for i, state := range states {
		pod.Status.ContainerStatuses = append(pod.Status.ContainerStatuses, corev1.ContainerStatus{
			Name:  name + "-" + string(rune('a'+i)),
			State: state,
		})
	}
	return pod
}

var running = corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}

func imageOf(ctx context.Context, c client.Client, ns, deployment, container string) string {
	stored := &appsv1.Deployment{}
	Expect(c.Get(ctx, client.ObjectKey{Namespace: ns, Name: deployment}, stored)).To(Succeed())
	for _, spec := range stored.Spec.Template.Spec.Containers {
		if spec.Name == container {
			return spec.Image
		}
	}
	return ""
}

var _ = Describe("Coordinator", func() {
	var (
		k8sClient   client.WithWatch
		coordinator *Coordinator
		updates     chan model.WorkloadUpgrade
	)

	build := func(objects ...client.Object) {
		k8sClient = fake.NewClientBuilder().WithObjects(objects...).Build()
		updates = make(chan model.WorkloadUpgrade, 10)
		coordinator = NewCoordinator(kube.NewClient(k8sClient, k8sClient, nil), namespace, scope, Options{Updates: updates})
	}

	busyboxWorkloads := func() []client.Object {
		return []client.Object{
			newDeployment(namespace, scope,
				corev1.Container{Name: "busybox", Image: "busybox:1.34"},
				corev1.Container{Name: "busybox-1", Image: "busybox:1.34"},
				corev1.Container{Name: "busybox2", Image: "busybox:1.34"}),
			newDeployment(namespace, "cht-sentinel",
				corev1.Container{Name: "busybox-2", Image: "busybox:1.34"},
				corev1.Container{Name: "busybox-a", Image: "busybox:1.34"}),
			newPod("cht-api-1", corev1.PodRunning, running, running),
			newPod("cht-sentinel-1", corev1.PodRunning, running),
		}
	}

	Context("when every pod is ready", func() {
		BeforeEach(func() {
			build(busyboxWorkloads()...)
		})

		It("upgrades every container matching the identifier", func(ctx SpecContext) {
			outcomes, err := coordinator.Upgrade(ctx, []model.UpgradeRequest{
				{Identifier: "busybox", ImageTag: "busybox:1.35"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(outcomes).To(Equal(model.Outcomes{
				"busybox":   {OK: true},
				"busybox-1": {OK: true},
				"busybox-2": {OK: true},
			}))

			version, err := coordinator.CurrentVersion(ctx, "busybox-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(version).To(Equal([]string{"busybox:1.35"}))

			Expect(imageOf(ctx, k8sClient, namespace, scope, "busybox2")).To(Equal("busybox:1.34"))
			Expect(imageOf(ctx, k8sClient, namespace, "cht-sentinel", "busybox-a")).To(Equal("busybox:1.34"))
		})

		It("writes each workload back once with all of its changes", func(ctx SpecContext) {
			_, err := coordinator.Upgrade(ctx, []model.UpgradeRequest{
				{Identifier: "busybox", ImageTag: "busybox:1.35"},
				{Identifier: "busybox2", ImageTag: "busybox:1.36"},
			})
			Expect(err).ToNot(HaveOccurred())

			Expect(updates).To(HaveLen(2))
			first := <-updates
			Expect(first.Failed()).To(BeFalse())
			Expect(first.Workload.Name).To(Equal(scope))
			Expect(first.Changes).To(ConsistOf(
				model.ContainerChange{Name: "busybox", PreviousImage: "busybox:1.34", CurrentImage: "busybox:1.35"},
				model.ContainerChange{Name: "busybox-1", PreviousImage: "busybox:1.34", CurrentImage: "busybox:1.35"},
				model.ContainerChange{Name: "busybox2", PreviousImage: "busybox:1.34", CurrentImage: "busybox:1.36"},
			))
			second := <-updates
			Expect(second.Workload.Name).To(Equal("cht-sentinel"))

			Expect(imageOf(ctx, k8sClient, namespace, scope, "busybox")).To(Equal("busybox:1.35"))
			Expect(imageOf(ctx, k8sClient, namespace, scope, "busybox2")).To(Equal("busybox:1.36"))
		})

		It("reports identifiers without a match as not ok", func(ctx SpecContext) {
			outcomes, err := coordinator.Upgrade(ctx, []model.UpgradeRequest{
				{Identifier: "not_present", ImageTag: "busybox:1.35"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(outcomes).To(Equal(model.Outcomes{"not_present": {OK: false}}))
			Expect(outcomes.Succeeded()).To(BeEmpty())
			Expect(updates).To(BeEmpty())
			Expect(imageOf(ctx, k8sClient, namespace, scope, "busybox")).To(Equal("busybox:1.34"))
		})

		It("returns the same version when asked twice", func(ctx SpecContext) {
			first, err := coordinator.CurrentVersion(ctx, "busybox")
			Expect(err).ToNot(HaveOccurred())
			second, err := coordinator.CurrentVersion(ctx, "busybox")
			Expect(err).ToNot(HaveOccurred())
			Expect(first).To(Equal(second))
			Expect(first).To(HaveLen(3))
		})

		It("reports the namespace as ready", func(ctx SpecContext) {
			report, err := coordinator.Readiness(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Ready).To(BeTrue())
			Expect(report.NotReadyPods).To(BeEmpty())
		})
	})

	Context("when a pod is pending", func() {
		BeforeEach(func() {
			objects := append(busyboxWorkloads(),
				newPod("cht-api-2", corev1.PodPending),
				newPod("cht-api-3", corev1.PodRunning, running, corev1.ContainerState{
					Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"},
				}))
			build(objects...)
		})

		It("refuses to upgrade and reports every blocking pod", func(ctx SpecContext) {
			before, err := coordinator.CurrentVersion(ctx, "busybox")
			Expect(err).ToNot(HaveOccurred())

			_, err = coordinator.Upgrade(ctx, []model.UpgradeRequest{
				{Identifier: "busybox", ImageTag: "busybox:1.35"},
			})
			var notReady *NotReadyError
			Expect(errors.As(err, &notReady)).To(BeTrue())
			Expect(MutationsApplied(err)).To(BeFalse())
			Expect(notReady.NotReadyPods).To(HaveLen(2))
			Expect(notReady.NotReadyPods[1].ContainerStates).To(HaveLen(1))
			Expect(notReady.NotReadyPods[1].ContainerStates[0].Reason).To(Equal("CrashLoopBackOff"))

			after, err := coordinator.CurrentVersion(ctx, "busybox")
			Expect(err).ToNot(HaveOccurred())
			Expect(after).To(Equal(before))
			Expect(updates).To(BeEmpty())
		})
	})

	Context("when the batch is malformed", func() {
		var calls int

		BeforeEach(func() {
			calls = 0
			base := fake.NewClientBuilder().WithObjects(busyboxWorkloads()...).Build()
			counting := interceptor.NewClient(base, interceptor.Funcs{
				Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
					calls++
					return c.Get(ctx, key, obj, opts...)
				},
				List: func(ctx context.Context, c client.WithWatch, list client.ObjectList, opts ...client.ListOption) error {
					calls++
					return c.List(ctx, list, opts...)
				},
				Update: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.UpdateOption) error {
					calls++
					return c.Update(ctx, obj, opts...)
				},
			})
			coordinator = NewCoordinator(kube.NewClient(counting, counting, nil), namespace, scope, Options{})
		})

		DescribeTable("rejects it without touching the cluster",
			func(ctx SpecContext, requests []model.UpgradeRequest, field string) {
				_, err := coordinator.Upgrade(ctx, requests)
				var validation *ValidationError
				Expect(errors.As(err, &validation)).To(BeTrue())
				Expect(validation.Field).To(Equal(field))
				Expect(MutationsApplied(err)).To(BeFalse())
				Expect(calls).To(BeZero())
			},
			Entry("empty batch", []model.UpgradeRequest{}, ""),
			Entry("empty identifier", []model.UpgradeRequest{
				{Identifier: "busybox", ImageTag: "busybox:1.35"},
				{Identifier: "", ImageTag: "busybox:1.35"},
			}, "containerName"),
			Entry("blank image tag", []model.UpgradeRequest{{Identifier: "busybox", ImageTag: "  "}}, "imageTag"),
			Entry("unparsable image", []model.UpgradeRequest{{Identifier: "busybox", ImageTag: "Busybox:1.35!"}}, "imageTag"),
		)
	})

	Context("when a write-back fails", func() {
		BeforeEach(func() {
			base := fake.NewClientBuilder().WithObjects(
				newDeployment(namespace, scope, corev1.Container{Name: "busybox", Image: "busybox:1.34"}),
				newDeployment(namespace, "cht-b", corev1.Container{Name: "busybox-1", Image: "busybox:1.34"}),
				newDeployment(namespace, "cht-c", corev1.Container{Name: "busybox-2", Image: "busybox:1.34"}),
			).Build()
			writer := interceptor.NewClient(base, interceptor.Funcs{
				Update: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.UpdateOption) error {
					if obj.GetName() == "cht-b" {
						return apierrors.NewConflict(schema.GroupResource{Group: "apps", Resource: "deployments"}, "cht-b", errors.New("modified"))
					}
					return c.Update(ctx, obj, opts...)
				},
			})
			k8sClient = base
			updates = make(chan model.WorkloadUpgrade, 10)
			coordinator = NewCoordinator(kube.NewClient(base, writer, nil), namespace, scope, Options{Updates: updates})
		})

		It("aborts the remaining writes and keeps the applied ones", func(ctx SpecContext) {
			outcomes, err := coordinator.Upgrade(ctx, []model.UpgradeRequest{
				{Identifier: "busybox", ImageTag: "busybox:1.35"},
			})
			Expect(outcomes).To(BeNil())

			var clusterErr *ClusterError
			Expect(errors.As(err, &clusterErr)).To(BeTrue())
			Expect(apierrors.IsConflict(err)).To(BeTrue())
			Expect(clusterErr.Stage).To(Equal(StageWritingBack))
			Expect(clusterErr.StatusReason).To(Equal(string(metav1.StatusReasonConflict)))
			Expect(clusterErr.Workload.Name).To(Equal("cht-b"))
			Expect(clusterErr.Skipped).To(Equal(1))
			Expect(MutationsApplied(err)).To(BeTrue())
			Expect(clusterErr.Outcomes).To(Equal(model.Outcomes{
				"busybox":   {OK: true},
				"busybox-1": {OK: false},
			}))

			Expect(imageOf(ctx, k8sClient, namespace, scope, "busybox")).To(Equal("busybox:1.35"))
			Expect(imageOf(ctx, k8sClient, namespace, "cht-b", "busybox-1")).To(Equal("busybox:1.34"))
			Expect(imageOf(ctx, k8sClient, namespace, "cht-c", "busybox-2")).To(Equal("busybox:1.34"))

			Expect(updates).To(HaveLen(2))
			<-updates
			failed := <-updates
			Expect(failed.Failed()).To(BeTrue())
			Expect(failed.ErrorReason).To(Equal("Conflict"))
		})
	})

	Context("when the target lies outside the authorized namespace", func() {
		BeforeEach(func() {
			base := fake.NewClientBuilder().WithObjects(
				newDeployment(namespace, scope, corev1.Container{Name: "busybox", Image: "busybox:1.34"}),
				newDeployment("other", scope, corev1.Container{Name: "nginx", Image: "nginx:1.25"}),
			).Build()
			forbidden := func(ns string) error {
				if ns == namespace {
					return nil
				}
				return apierrors.NewForbidden(schema.GroupResource{Group: "apps", Resource: "deployments"}, "", errors.New("cannot access namespace "+ns))
			}
			authorized := interceptor.NewClient(base, interceptor.Funcs{
				Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
					if err := forbidden(key.Namespace); err != nil {
						return err
					}
					return c.Get(ctx, key, obj, opts...)
				},
				List: func(ctx context.Context, c client.WithWatch, list client.ObjectList, opts ...client.ListOption) error {
					listOpts := &client.ListOptions{}
					listOpts.ApplyOptions(opts)
					if err := forbidden(listOpts.Namespace); err != nil {
						return err
					}
					return c.List(ctx, list, opts...)
				},
			})
			k8sClient = base
			coordinator = NewCoordinator(kube.NewClient(authorized, authorized, nil), "other", scope, Options{})
		})

		It("fails with a cluster error and leaves both namespaces untouched", func(ctx SpecContext) {
			_, err := coordinator.Upgrade(ctx, []model.UpgradeRequest{
				{Identifier: "nginx", ImageTag: "nginx:1.27"},
			})
			var clusterErr *ClusterError
			Expect(errors.As(err, &clusterErr)).To(BeTrue())
			Expect(apierrors.IsForbidden(err)).To(BeTrue())
			Expect(clusterErr.MutationsApplied()).To(BeFalse())
			Expect(strings.Contains(err.Error(), "cannot access namespace other")).To(BeTrue())

			Expect(imageOf(ctx, k8sClient, "other", scope, "nginx")).To(Equal("nginx:1.25"))
			Expect(imageOf(ctx, k8sClient, namespace, scope, "busybox")).To(Equal("busybox:1.34"))
		})
	})
})
