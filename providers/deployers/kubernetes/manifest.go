package kubernetes

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/pkg/imagetag"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"
)

const ImagePlaceholder = "${IMAGE}"

var imageLine = regexp.MustCompile(`(?m)^(\s*(?:-\s+)?image:\s*)["']?([^"'\s#]+)["']?`)

// Manifests are the objects of a manifest directory, in apply order.
type Manifests struct {
	Claims      []*corev1.PersistentVolumeClaim
	Deployments []*appsv1.Deployment
	Services    []*corev1.Service
}

// RewriteImage replaces every image value that is either the placeholder or
// an image of repository with image. It reports how many lines changed.
func RewriteImage(manifest []byte, repository string, image model.ImageReference) ([]byte, int) {
	replaced := 0
	out := imageLine.ReplaceAllFunc(manifest, func(line []byte) []byte {
		m := imageLine.FindSubmatch(line)
		value := string(m[2])
		if value != ImagePlaceholder {
			ref, err := imagetag.ParseReference(value)
			if err != nil || ref.Repository != repository {
				return line
			}
		}
		replaced++
		return append(append([]byte{}, m[1]...), image.String()...)
	})
	return out, replaced
}

// LoadManifests reads every yaml file of dir, points the images at image and
// decodes the documents into typed objects.
func LoadManifests(dir, repository string, image model.ImageReference) (*Manifests, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.y*ml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	m := new(Manifests)
	total := 0
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw, n := RewriteImage(raw, repository, image)
		total += n
		if err := m.decode(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(file), err)
		}
	}
	if len(m.Claims)+len(m.Deployments)+len(m.Services) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoManifests, dir)
	}
	if len(m.Deployments) > 0 && total == 0 {
		return nil, fmt.Errorf("%w %s", ErrImageNotReferenced, repository)
	}
	return m, nil
}

func (m *Manifests) decode(raw []byte) error {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader(raw)))
	for {
		doc, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(strings.TrimSpace(string(doc))) == 0 {
			continue
		}

		var meta metav1.TypeMeta
		if err := yaml.Unmarshal(doc, &meta); err != nil {
			return err
		}
		switch meta.Kind {
		case "":
			continue
		case "PersistentVolumeClaim":
			obj := new(corev1.PersistentVolumeClaim)
			if err := yaml.Unmarshal(doc, obj); err != nil {
				return err
			}
			m.Claims = append(m.Claims, obj)
		case "Deployment":
			obj := new(appsv1.Deployment)
			if err := yaml.Unmarshal(doc, obj); err != nil {
				return err
			}
			m.Deployments = append(m.Deployments, obj)
		case "Service":
			obj := new(corev1.Service)
			if err := yaml.Unmarshal(doc, obj); err != nil {
				return err
			}
			m.Services = append(m.Services, obj)
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedKind, meta.Kind)
		}
	}
}
