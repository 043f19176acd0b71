package harbor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/sirupsen/logrus"
	goharbor "github.com/x893675/go-harbor"
	"github.com/x893675/go-harbor/schema"
	"gotest.tools/assert"
)

func TestProjectReference(t *testing.T) {
	h := NewHarborRegistryWithClients("harbor.local", "contact", "", nil, nil, nil)

	cases := map[string]string{
		"contact-app":                      "harbor.local/contact/contact-app:v1",
		"harbor.local/contact-app":         "harbor.local/contact/contact-app:v1",
		"harbor.local/contact/contact-app": "harbor.local/contact/contact-app:v1",
	}
	for repo, want := range cases {
		got := h.projectReference(model.ImageReference{Repository: repo, Tag: "v1"})
		assert.Equal(t, got.String(), want, repo)
	}
}

type fakeRegistry struct {
	tagged []string
}

func (f *fakeRegistry) TagImage(_ context.Context, id string, ref model.ImageReference) (string, error) {
	f.tagged = append(f.tagged, ref.String())
	return ref.String(), nil
}

func (f *fakeRegistry) PushImage(context.Context, string) error { return nil }

// fakeHarbor serves the project endpoints of the v2.0 api.
type fakeHarbor struct {
	mu       sync.Mutex
	exists   bool
	failGet  bool
	creates  []schema.CreateProjectOptions
	members  []schema.ProjectMember
	memberOf string
}

func (f *fakeHarbor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, pass, _ := r.BasicAuth()
	if user != "robot" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v2.0/projects/contact":
		if f.failGet {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"errors":[{"code":"UNKNOWN","message":"database down"}]}`)
			return
		}
		if !f.exists {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errors":[{"code":"NOT_FOUND","message":"project contact not found"}]}`)
			return
		}
		fmt.Fprint(w, `{"project_id":42,"name":"contact"}`)
	case r.Method == http.MethodPost && r.URL.Path == "/api/v2.0/projects":
		var opts schema.CreateProjectOptions
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &opts)
		f.creates = append(f.creates, opts)
		f.exists = true
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPost && r.URL.Path == "/api/v2.0/projects/42/members":
		var member schema.ProjectMember
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &member)
		f.members = append(f.members, member)
		w.WriteHeader(http.StatusCreated)
	default:
		http.NotFound(w, r)
	}
}

func newTestHarbor(t *testing.T, fake *fakeHarbor, pullUser string) (*HarborClient, *fakeRegistry) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := goharbor.NewClientWithOpts(goharbor.WithHost(srv.URL), goharbor.WithBasicAuth("robot", "secret"))
	assert.NilError(t, err)

	l := logrus.New()
	l.SetOutput(io.Discard)
	reg := new(fakeRegistry)
	return NewHarborRegistryWithClients("harbor.local", "contact", pullUser, reg, client, l), reg
}

func TestTagImageEnsuresProject(t *testing.T) {
	ref := model.ImageReference{Repository: "contact-app", Tag: "2026-02-16-at-10-17-27-build-42"}

	t.Run("existing project", func(t *testing.T) {
		fake := &fakeHarbor{exists: true}
		h, reg := newTestHarbor(t, fake, "puller")

		_, err := h.TagImage(context.Background(), "sha256:feed", ref)
		assert.NilError(t, err)
		assert.Equal(t, len(fake.creates), 0)
		assert.Equal(t, len(fake.members), 0)
		assert.DeepEqual(t, reg.tagged, []string{"harbor.local/contact/contact-app:2026-02-16-at-10-17-27-build-42"})
	})

	t.Run("missing project is created with a pull member", func(t *testing.T) {
		fake := new(fakeHarbor)
		h, reg := newTestHarbor(t, fake, "puller")

		_, err := h.TagImage(context.Background(), "sha256:feed", ref)
		assert.NilError(t, err)
		assert.Equal(t, len(fake.creates), 1)
		assert.Equal(t, fake.creates[0].Name, "contact")
		assert.Equal(t, fake.creates[0].Metadata.Public, "false")
		assert.Equal(t, len(fake.members), 1)
		assert.Equal(t, fake.members[0].MemberUser.Username, "puller")
		assert.Equal(t, fake.members[0].RoleID, schema.Guest)
		assert.Equal(t, len(reg.tagged), 1)
	})

	t.Run("missing project without pull user", func(t *testing.T) {
		fake := new(fakeHarbor)
		h, _ := newTestHarbor(t, fake, "")

		_, err := h.TagImage(context.Background(), "sha256:feed", ref)
		assert.NilError(t, err)
		assert.Equal(t, len(fake.creates), 1)
		assert.Equal(t, len(fake.members), 0)
	})

	t.Run("lookup failure is not a missing project", func(t *testing.T) {
		fake := &fakeHarbor{failGet: true}
		h, reg := newTestHarbor(t, fake, "puller")

		_, err := h.TagImage(context.Background(), "sha256:feed", ref)
		assert.Assert(t, err != nil)
		assert.Equal(t, len(fake.creates), 0)
		assert.Equal(t, len(reg.tagged), 0)
	})
}
