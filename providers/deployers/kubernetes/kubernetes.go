// Package kubernetes applies the app manifests to a cluster, waits for the
// rollout and restores the previous pod template when it fails.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/pkg/retry"
	"github.com/ipaas-org/ci-runner/providers/deployers"
	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var _ deployers.Deployer = new(KubernetesDeployer)

type Options struct {
	Namespace         string
	ManifestDir       string
	Repository        string
	Apply             retry.Policy
	RolloutTimeout    time.Duration
	RolloutInterval   time.Duration
	RollbackOnFailure bool
}

type KubernetesDeployer struct {
	l      *logrus.Logger
	client kubernetes.Interface
	opts   Options
}

// NewClientset uses kubeconfig when given, the in cluster service account
// otherwise.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes client config: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

func NewKubernetesDeployer(client kubernetes.Interface, opts Options, l *logrus.Logger) *KubernetesDeployer {
	if opts.Namespace == "" {
		opts.Namespace = metav1.NamespaceDefault
	}
	return &KubernetesDeployer{
		l:      l,
		client: client,
		opts:   opts,
	}
}

func (k *KubernetesDeployer) Deploy(ctx context.Context, req deployers.Request) (*model.DeployResult, error) {
	result := &model.DeployResult{
		Target: model.DeployTargetKubernetes,
		State:  model.DeployStateApplying,
		Image:  req.Image.String(),
	}

	dir := k.manifestDir(req.Workspace)
	k.l.Debugf("loading manifests from %s", dir)
	manifests, err := LoadManifests(dir, k.opts.Repository, req.Image)
	if err != nil {
		return k.fail(result, err)
	}

	previous, err := k.currentTemplates(ctx, manifests.Deployments)
	if err != nil {
		return k.fail(result, err)
	}

	if err := k.apply(ctx, manifests); err != nil {
		return k.fail(result, err)
	}

	result.State = model.DeployStateRollingOut
	k.l.Infof("waiting for %d deployment(s) to roll out %s", len(manifests.Deployments), result.Image)
	for _, d := range manifests.Deployments {
		rolloutErr := k.waitRollout(ctx, k.namespace(d.Namespace), d.Name)
		if rolloutErr == nil {
			continue
		}

		result.State = model.DeployStateFailed
		result.Message = rolloutErr.Error()
		k.l.Errorf("rollout of deployment %s failed: %v", d.Name, rolloutErr)
		if !k.opts.RollbackOnFailure || ctx.Err() != nil {
			return result, rolloutErr
		}

		prev, ok := previous[d.Name]
		if !ok {
			k.l.Errorf("deployment %s has no previous revision", d.Name)
			return result, errors.Join(rolloutErr, ErrNoRolloutHistory)
		}
		if err := k.rollback(ctx, k.namespace(d.Namespace), d.Name, prev); err != nil {
			return result, errors.Join(rolloutErr, fmt.Errorf("rollback: %w", err))
		}
		result.State = model.DeployStateRolledBack
		result.Message = fmt.Sprintf("%s, rolled back", rolloutErr)
		return result, rolloutErr
	}

	result.State = model.DeployStateReady
	k.l.Infof("deployment ready with %s", result.Image)
	return result, nil
}

func (k *KubernetesDeployer) manifestDir(workspace string) string {
	if workspace == "" || filepath.IsAbs(k.opts.ManifestDir) {
		return k.opts.ManifestDir
	}
	return filepath.Join(workspace, k.opts.ManifestDir)
}

func (k *KubernetesDeployer) fail(result *model.DeployResult, err error) (*model.DeployResult, error) {
	result.State = model.DeployStateFailed
	result.Message = err.Error()
	return result, err
}

func (k *KubernetesDeployer) namespace(ns string) string {
	if ns != "" {
		return ns
	}
	return k.opts.Namespace
}

// currentTemplates captures the pod templates running before the apply.
func (k *KubernetesDeployer) currentTemplates(ctx context.Context, deployments []*appsv1.Deployment) (map[string]*corev1.PodTemplateSpec, error) {
	templates := make(map[string]*corev1.PodTemplateSpec)
	for _, d := range deployments {
		existing, err := k.client.AppsV1().Deployments(k.namespace(d.Namespace)).Get(ctx, d.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading deployment %s: %w", d.Name, err)
		}
		templates[d.Name] = existing.Spec.Template.DeepCopy()
	}
	return templates, nil
}

func (k *KubernetesDeployer) apply(ctx context.Context, m *Manifests) error {
	for _, pvc := range m.Claims {
		if err := k.withRetry(ctx, "apply pvc "+pvc.Name, func(ctx context.Context) error {
			return k.applyClaim(ctx, pvc)
		}); err != nil {
			return err
		}
	}
	for _, d := range m.Deployments {
		if err := k.withRetry(ctx, "apply deployment "+d.Name, func(ctx context.Context) error {
			return k.applyDeployment(ctx, d)
		}); err != nil {
			return err
		}
	}
	for _, svc := range m.Services {
		if err := k.withRetry(ctx, "apply service "+svc.Name, func(ctx context.Context) error {
			return k.applyService(ctx, svc)
		}); err != nil {
			return err
		}
	}
	return nil
}

// withRetry retries transient api errors only.
func (k *KubernetesDeployer) withRetry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return retry.Do(ctx, k.opts.Apply, name, k.l, func(ctx context.Context, _ int) error {
		err := op(ctx)
		if apierrors.IsInvalid(err) || apierrors.IsForbidden(err) || apierrors.IsBadRequest(err) || apierrors.IsUnauthorized(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

// applyClaim creates the claim once; a bound claim spec is immutable.
func (k *KubernetesDeployer) applyClaim(ctx context.Context, required *corev1.PersistentVolumeClaim) error {
	client := k.client.CoreV1().PersistentVolumeClaims(k.namespace(required.Namespace))
	_, err := client.Get(ctx, required.Name, metav1.GetOptions{})
	if err == nil {
		k.l.Debugf("pvc %s already exists", required.Name)
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}
	_, err = client.Create(ctx, required, metav1.CreateOptions{})
	if err == nil {
		k.l.Infof("pvc %s created", required.Name)
	}
	return err
}

func (k *KubernetesDeployer) applyDeployment(ctx context.Context, required *appsv1.Deployment) error {
	client := k.client.AppsV1().Deployments(k.namespace(required.Namespace))
	existing, err := client.Get(ctx, required.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = client.Create(ctx, required.DeepCopy(), metav1.CreateOptions{})
		if err == nil {
			k.l.Infof("deployment %s created", required.Name)
		}
		return err
	}
	if err != nil {
		return err
	}

	updated := required.DeepCopy()
	updated.ResourceVersion = existing.ResourceVersion
	_, err = client.Update(ctx, updated, metav1.UpdateOptions{})
	if err == nil {
		k.l.Infof("deployment %s updated", required.Name)
	}
	return err
}

// applyService keeps the allocated cluster ip, the api server rejects
// updates that clear it.
func (k *KubernetesDeployer) applyService(ctx context.Context, required *corev1.Service) error {
	client := k.client.CoreV1().Services(k.namespace(required.Namespace))
	existing, err := client.Get(ctx, required.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = client.Create(ctx, required.DeepCopy(), metav1.CreateOptions{})
		if err == nil {
			k.l.Infof("service %s created", required.Name)
		}
		return err
	}
	if err != nil {
		return err
	}

	updated := required.DeepCopy()
	updated.ResourceVersion = existing.ResourceVersion
	updated.Spec.ClusterIP = existing.Spec.ClusterIP
	updated.Spec.ClusterIPs = existing.Spec.ClusterIPs
	_, err = client.Update(ctx, updated, metav1.UpdateOptions{})
	if err == nil {
		k.l.Infof("service %s updated", required.Name)
	}
	return err
}

var errRollingOut = errors.New("rollout in progress")

func (k *KubernetesDeployer) waitRollout(ctx context.Context, namespace, name string) error {
	attempts := 1
	if k.opts.RolloutInterval > 0 && k.opts.RolloutTimeout > 0 {
		attempts = int(math.Ceil(float64(k.opts.RolloutTimeout) / float64(k.opts.RolloutInterval)))
	}
	policy := retry.Policy{Attempts: attempts, Delay: k.opts.RolloutInterval}

	err := retry.Do(ctx, policy, "rollout "+name, k.l, func(ctx context.Context, _ int) error {
		d, err := k.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		done, msg, err := RolloutStatus(d)
		if err != nil {
			return retry.Permanent(err)
		}
		if !done {
			k.l.Info(msg)
			return errRollingOut
		}
		return nil
	})
	if errors.Is(err, errRollingOut) && ctx.Err() == nil {
		return fmt.Errorf("%w: %s after %s", ErrRolloutTimeout, name, k.opts.RolloutTimeout)
	}
	return err
}

// RolloutStatus reads a deployment status the way kubectl rollout status
// does.
func RolloutStatus(d *appsv1.Deployment) (bool, string, error) {
	if d.Generation > d.Status.ObservedGeneration {
		return false, fmt.Sprintf("waiting for deployment %q spec update to be observed", d.Name), nil
	}
	for _, c := range d.Status.Conditions {
		if c.Type == appsv1.DeploymentProgressing && c.Reason == "ProgressDeadlineExceeded" {
			return false, "", fmt.Errorf("%w: %s", ErrProgressDeadline, d.Name)
		}
	}
	if d.Spec.Replicas != nil && d.Status.UpdatedReplicas < *d.Spec.Replicas {
		return false, fmt.Sprintf("waiting for deployment %q rollout: %d of %d new replicas updated",
			d.Name, d.Status.UpdatedReplicas, *d.Spec.Replicas), nil
	}
	if d.Status.Replicas > d.Status.UpdatedReplicas {
		return false, fmt.Sprintf("waiting for deployment %q rollout: %d old replicas pending termination",
			d.Name, d.Status.Replicas-d.Status.UpdatedReplicas), nil
	}
	if d.Status.AvailableReplicas < d.Status.UpdatedReplicas {
		return false, fmt.Sprintf("waiting for deployment %q rollout: %d of %d updated replicas available",
			d.Name, d.Status.AvailableReplicas, d.Status.UpdatedReplicas), nil
	}
	return true, fmt.Sprintf("deployment %q successfully rolled out", d.Name), nil
}

func (k *KubernetesDeployer) rollback(ctx context.Context, namespace, name string, template *corev1.PodTemplateSpec) error {
	k.l.Warnf("rolling back deployment %s to the previous pod template", name)
	return k.withRetry(ctx, "rollback "+name, func(ctx context.Context) error {
		client := k.client.AppsV1().Deployments(namespace)
		current, err := client.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		current.Spec.Template = *template.DeepCopy()
		_, err = client.Update(ctx, current, metav1.UpdateOptions{})
		return err
	})
}
