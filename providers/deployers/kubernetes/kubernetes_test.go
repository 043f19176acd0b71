package kubernetes

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/pkg/retry"
	"github.com/ipaas-org/ci-runner/providers/deployers"
	"github.com/sirupsen/logrus"
	"gotest.tools/assert"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const repository = "registry.example.com:5000/contact-app"

var (
	newImage = model.ImageReference{Repository: repository, Tag: "2026-02-16-at-10-17-27-build-42"}
	oldImage = model.ImageReference{Repository: repository, Tag: "2026-02-15-at-09-00-00-build-41"}
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func options() Options {
	return Options{
		Namespace:         "default",
		ManifestDir:       "testdata",
		Repository:        repository,
		Apply:             retry.Policy{Attempts: 2, Delay: time.Millisecond},
		RolloutTimeout:    20 * time.Millisecond,
		RolloutInterval:   time.Millisecond,
		RollbackOnFailure: true,
	}
}

func webImage(d *appsv1.Deployment) string {
	return d.Spec.Template.Spec.Containers[0].Image
}

// rolloutReactor plays the deployment controller: it fills in the status of
// every created or updated deployment. healthy decides whether the pods of a
// given image come up.
func rolloutReactor(healthy func(image string) bool) k8stesting.ReactionFunc {
	return func(action k8stesting.Action) (bool, runtime.Object, error) {
		var obj runtime.Object
		switch a := action.(type) {
		case k8stesting.CreateAction:
			obj = a.GetObject()
		case k8stesting.UpdateAction:
			obj = a.GetObject()
		default:
			return false, nil, nil
		}
		d := obj.(*appsv1.Deployment)
		replicas := int32(1)
		if d.Spec.Replicas != nil {
			replicas = *d.Spec.Replicas
		}
		d.Status = appsv1.DeploymentStatus{ObservedGeneration: d.Generation}
		if healthy(webImage(d)) {
			d.Status.Replicas = replicas
			d.Status.UpdatedReplicas = replicas
			d.Status.AvailableReplicas = replicas
			d.Status.ReadyReplicas = replicas
		} else {
			d.Status.Conditions = []appsv1.DeploymentCondition{{
				Type:   appsv1.DeploymentProgressing,
				Status: corev1.ConditionFalse,
				Reason: "ProgressDeadlineExceeded",
			}}
		}
		return false, nil, nil
	}
}

func existingDeployment() *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "contact-app", Namespace: "default"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "web", Image: oldImage.String()}}},
			},
		},
	}
}

func TestRewriteImage(t *testing.T) {
	in := []byte(strings.Join([]string{
		"containers:",
		"  - name: web",
		"    image: registry.example.com:5000/contact-app:latest",
		"  - name: migrate",
		"    image: \"${IMAGE}\"",
		"  - name: proxy",
		"    image: nginx:1.27",
		"  - image: registry.example.com:5000/contact-app-worker:1",
	}, "\n"))

	out, n := RewriteImage(in, repository, newImage)
	assert.Equal(t, n, 2)
	assert.Assert(t, strings.Contains(string(out), "    image: "+newImage.String()+"\n  - name: migrate"))
	assert.Equal(t, strings.Count(string(out), newImage.String()), 2)
	assert.Assert(t, strings.Contains(string(out), "image: nginx:1.27"))
	assert.Assert(t, strings.Contains(string(out), "contact-app-worker:1"))
}

func TestLoadManifests(t *testing.T) {
	m, err := LoadManifests("testdata", repository, newImage)
	assert.NilError(t, err)
	assert.Equal(t, len(m.Claims), 1)
	assert.Equal(t, len(m.Deployments), 1)
	assert.Equal(t, len(m.Services), 1)
	assert.Equal(t, webImage(m.Deployments[0]), newImage.String())
	assert.Equal(t, m.Deployments[0].Spec.Template.Spec.Containers[1].Image, "nginx:1.27")
}

func TestLoadManifestsErrors(t *testing.T) {
	t.Run("empty dir", func(t *testing.T) {
		_, err := LoadManifests(t.TempDir(), repository, newImage)
		assert.Assert(t, errors.Is(err, ErrNoManifests))
	})

	t.Run("unsupported kind", func(t *testing.T) {
		dir := t.TempDir()
		doc := "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: x\n"
		assert.NilError(t, os.WriteFile(filepath.Join(dir, "cm.yaml"), []byte(doc), 0o644))
		_, err := LoadManifests(dir, repository, newImage)
		assert.Assert(t, errors.Is(err, ErrUnsupportedKind))
	})

	t.Run("image not referenced", func(t *testing.T) {
		_, err := LoadManifests("testdata", "registry.example.com:5000/other", newImage)
		assert.Assert(t, errors.Is(err, ErrImageNotReferenced))
	})
}

func TestDeployReady(t *testing.T) {
	client := fake.NewSimpleClientset()
	reactor := rolloutReactor(func(string) bool { return true })
	client.PrependReactor("create", "deployments", reactor)
	client.PrependReactor("update", "deployments", reactor)

	d := NewKubernetesDeployer(client, options(), quietLogger())
	res, err := d.Deploy(context.Background(), deployers.Request{Image: newImage})
	assert.NilError(t, err)
	assert.Equal(t, res.State, model.DeployStateReady)
	assert.Equal(t, res.Image, newImage.String())

	ctx := context.Background()
	got, err := client.AppsV1().Deployments("default").Get(ctx, "contact-app", metav1.GetOptions{})
	assert.NilError(t, err)
	assert.Equal(t, webImage(got), newImage.String())
	_, err = client.CoreV1().PersistentVolumeClaims("default").Get(ctx, "contact-app-db", metav1.GetOptions{})
	assert.NilError(t, err)
	_, err = client.CoreV1().Services("default").Get(ctx, "contact-app", metav1.GetOptions{})
	assert.NilError(t, err)
}

func TestDeployReadsManifestsFromWorkspace(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, "k8s")
	assert.NilError(t, os.Mkdir(dir, 0o755))
	for _, name := range []string{"pvc.yaml", "deployment.yaml", "service.yaml"} {
		raw, err := os.ReadFile(filepath.Join("testdata", name))
		assert.NilError(t, err)
		assert.NilError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))
	}
	opts := options()
	opts.ManifestDir = "k8s"

	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "deployments", rolloutReactor(func(string) bool { return true }))
	res, err := NewKubernetesDeployer(client, opts, quietLogger()).Deploy(context.Background(),
		deployers.Request{Image: newImage, Workspace: workspace})
	assert.NilError(t, err)
	assert.Equal(t, res.State, model.DeployStateReady)

	// another checkout without manifests
	_, err = NewKubernetesDeployer(fake.NewSimpleClientset(), opts, quietLogger()).Deploy(context.Background(),
		deployers.Request{Image: newImage, Workspace: t.TempDir()})
	assert.Assert(t, err != nil)
}

func TestDeployKeepsServiceClusterIP(t *testing.T) {
	existing := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "contact-app", Namespace: "default", ResourceVersion: "7"},
		Spec:       corev1.ServiceSpec{ClusterIP: "10.96.0.12", ClusterIPs: []string{"10.96.0.12"}},
	}
	client := fake.NewSimpleClientset(existing)
	reactor := rolloutReactor(func(string) bool { return true })
	client.PrependReactor("create", "deployments", reactor)

	_, err := NewKubernetesDeployer(client, options(), quietLogger()).Deploy(context.Background(), deployers.Request{Image: newImage})
	assert.NilError(t, err)

	svc, err := client.CoreV1().Services("default").Get(context.Background(), "contact-app", metav1.GetOptions{})
	assert.NilError(t, err)
	assert.Equal(t, svc.Spec.ClusterIP, "10.96.0.12")
	assert.Equal(t, svc.Spec.Type, corev1.ServiceTypeNodePort)
}

func TestDeployStuckRollsBack(t *testing.T) {
	client := fake.NewSimpleClientset(existingDeployment())
	client.PrependReactor("update", "deployments", rolloutReactor(func(image string) bool {
		return image != newImage.String()
	}))

	res, err := NewKubernetesDeployer(client, options(), quietLogger()).Deploy(context.Background(), deployers.Request{Image: newImage})
	assert.Assert(t, errors.Is(err, ErrProgressDeadline), "got %v", err)
	assert.Equal(t, res.State, model.DeployStateRolledBack)

	got, err := client.AppsV1().Deployments("default").Get(context.Background(), "contact-app", metav1.GetOptions{})
	assert.NilError(t, err)
	assert.Equal(t, webImage(got), oldImage.String())
}

func TestDeployStuckWithoutHistory(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "deployments", rolloutReactor(func(string) bool { return false }))

	res, err := NewKubernetesDeployer(client, options(), quietLogger()).Deploy(context.Background(), deployers.Request{Image: newImage})
	assert.Assert(t, errors.Is(err, ErrNoRolloutHistory))
	assert.Assert(t, errors.Is(err, ErrProgressDeadline))
	assert.Equal(t, res.State, model.DeployStateFailed)
}

func TestDeployRolloutTimeout(t *testing.T) {
	// no reactor: the status never reports updated replicas
	client := fake.NewSimpleClientset()
	opts := options()
	opts.RollbackOnFailure = false

	res, err := NewKubernetesDeployer(client, opts, quietLogger()).Deploy(context.Background(), deployers.Request{Image: newImage})
	assert.Assert(t, errors.Is(err, ErrRolloutTimeout), "got %v", err)
	assert.Equal(t, res.State, model.DeployStateFailed)
}

func TestRolloutStatus(t *testing.T) {
	two := int32(2)
	d := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "contact-app", Generation: 3},
		Spec:       appsv1.DeploymentSpec{Replicas: &two},
		Status:     appsv1.DeploymentStatus{ObservedGeneration: 2},
	}
	done, _, err := RolloutStatus(d)
	assert.NilError(t, err)
	assert.Assert(t, !done)

	d.Status = appsv1.DeploymentStatus{ObservedGeneration: 3, Replicas: 3, UpdatedReplicas: 2, AvailableReplicas: 2}
	done, msg, _ := RolloutStatus(d)
	assert.Assert(t, !done)
	assert.Assert(t, strings.Contains(msg, "old replicas"))

	d.Status.Replicas = 2
	done, _, err = RolloutStatus(d)
	assert.NilError(t, err)
	assert.Assert(t, done)
}
