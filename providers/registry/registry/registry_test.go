package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/image"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/ipaas-org/ci-runner/model"
	"gotest.tools/assert"
)

type fakePushAPI struct {
	tags   map[string]string
	pushed []string
	auth   string
	stream string
}

func (f *fakePushAPI) ImageTag(ctx context.Context, source, target string) error {
	if f.tags == nil {
		f.tags = make(map[string]string)
	}
	f.tags[target] = source
	return nil
}

func (f *fakePushAPI) ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error) {
	f.pushed = append(f.pushed, image)
	f.auth = options.RegistryAuth
	return io.NopCloser(strings.NewReader(f.stream)), nil
}

func TestTagImage(t *testing.T) {
	ctx := context.Background()
	api := &fakePushAPI{}
	r := NewRegistryWithClient("localhost:5000", "", "", api, nil)

	name, err := r.TagImage(ctx, "sha256:feedface", model.ImageReference{Repository: "contact-app", Tag: "latest"})
	assert.NilError(t, err)
	assert.Equal(t, name, "localhost:5000/contact-app:latest")

	name, err = r.TagImage(ctx, "sha256:feedface", model.ImageReference{Repository: "localhost:5000/contact-app", Tag: "v1"})
	assert.NilError(t, err)
	assert.Equal(t, name, "localhost:5000/contact-app:v1")
	assert.Equal(t, api.tags[name], "sha256:feedface")
}

func TestPushImage(t *testing.T) {
	ctx := context.Background()

	t.Run("push with credentials", func(t *testing.T) {
		api := &fakePushAPI{stream: `{"status":"Pushed","id":"abc"}` + "\n" + `{"status":"v1: digest: sha256:1 size: 2"}` + "\n"}
		r := NewRegistryWithClient("localhost:5000", "ci", "s3cret", api, nil)

		assert.NilError(t, r.PushImage(ctx, "localhost:5000/contact-app:v1"))
		assert.DeepEqual(t, api.pushed, []string{"localhost:5000/contact-app:v1"})

		raw, err := base64.URLEncoding.DecodeString(api.auth)
		assert.NilError(t, err)
		var auth dockerregistry.AuthConfig
		assert.NilError(t, json.Unmarshal(raw, &auth))
		assert.Equal(t, auth.Username, "ci")
		assert.Equal(t, auth.ServerAddress, "localhost:5000")
	})

	t.Run("error reported in stream", func(t *testing.T) {
		api := &fakePushAPI{stream: `{"errorDetail":{"message":"unauthorized: authentication required"},"error":"unauthorized: authentication required"}`}
		r := NewRegistryWithClient("localhost:5000", "ci", "wrong", api, nil)

		err := r.PushImage(ctx, "localhost:5000/contact-app:v1")
		assert.Assert(t, errors.Is(err, ErrAuthentication))
	})
}
