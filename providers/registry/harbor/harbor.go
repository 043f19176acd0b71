package harbor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/providers/registry"
	dockerRegistry "github.com/ipaas-org/ci-runner/providers/registry/registry"
	"github.com/sirupsen/logrus"
	goharbor "github.com/x893675/go-harbor"
	"github.com/x893675/go-harbor/errdefs"
	"github.com/x893675/go-harbor/schema"
)

var _ registry.Registryer = new(HarborClient)

// HarborClient pushes through the docker engine and makes sure the target
// harbor project exists beforehand.
type HarborClient struct {
	serverAddress    string
	project          string
	userPullUsername string

	registry     registry.Registryer
	harborClient *goharbor.Client
	l            *logrus.Logger
}

func NewHarborRegistry(registryUri, project, username, password, userPullUsername string, l *logrus.Logger) (*HarborClient, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	if project == "" {
		return nil, fmt.Errorf("harbor project is required")
	}

	c := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	harborClient, err := goharbor.NewClientWithOpts(goharbor.WithHost("https://"+registryUri),
		goharbor.WithHTTPClient(c),
		goharbor.WithBasicAuth(username, password))
	if err != nil {
		return nil, err
	}

	r, err := dockerRegistry.NewRegistry(registryUri, username, password, l)
	if err != nil {
		return nil, err
	}
	return NewHarborRegistryWithClients(registryUri, project, userPullUsername, r, harborClient, l), nil
}

func NewHarborRegistryWithClients(registryUri, project, userPullUsername string, r registry.Registryer, h *goharbor.Client, l *logrus.Logger) *HarborClient {
	return &HarborClient{
		serverAddress:    registryUri,
		project:          project,
		userPullUsername: userPullUsername,
		registry:         r,
		harborClient:     h,
		l:                l,
	}
}

// TagImage places the repository under the harbor project, creating the
// project on first use.
func (r *HarborClient) TagImage(ctx context.Context, localImageID string, ref model.ImageReference) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute*3)
	defer cancel()

	if err := r.ensureProject(ctx); err != nil {
		return "", err
	}

	return r.registry.TagImage(ctx, localImageID, r.projectReference(ref))
}

// projectReference moves ref under <server>/<project>/.
func (r *HarborClient) projectReference(ref model.ImageReference) model.ImageReference {
	repo := strings.TrimPrefix(ref.Repository, r.serverAddress+"/")
	if !strings.HasPrefix(repo, r.project+"/") {
		repo = r.project + "/" + repo
	}
	return model.ImageReference{
		Repository: r.serverAddress + "/" + repo,
		Tag:        ref.Tag,
	}
}

func (r *HarborClient) PushImage(ctx context.Context, imageName string) error {
	return r.registry.PushImage(ctx, imageName)
}

func (r *HarborClient) ensureProject(ctx context.Context) error {
	_, err := r.harborClient.GetProject(ctx, r.project)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return err
	}

	r.l.Infof("harbor project %s not found, creating it", r.project)
	err = r.harborClient.CreateProject(ctx, schema.CreateProjectOptions{
		Name: r.project,
		Metadata: &schema.ProjectMetadata{
			Public: "false",
		},
	})
	if err != nil {
		r.l.Errorf("error creating harbor project %s: %v", r.project, err)
		return err
	}

	if r.userPullUsername == "" {
		return nil
	}

	project, err := r.harborClient.GetProject(ctx, r.project)
	if err != nil {
		r.l.Errorf("error getting project %s after create: %v", r.project, err)
		return err
	}

	r.l.Infof("adding %s as guest of %s", r.userPullUsername, r.project)
	err = r.harborClient.AddProjectMember(ctx, project.ProjectID, schema.ProjectMember{
		RoleID:      schema.Guest,
		MemberGroup: schema.UserGroup{},
		MemberUser: schema.UserEntity{
			Username: r.userPullUsername,
		},
	})
	if err != nil {
		r.l.Errorf("error adding project member: %v", err)
		return err
	}
	return nil
}
