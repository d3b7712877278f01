package vm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/protobuf/proto"

	"github.com/capmedia/testplatform/internal/models"
)

// Metadata keys read by the worker's startup script inside the VM.
const (
	metaCallbackURL = "TESTPLATFORM_CALLBACK_URL"
	metaToken       = "TESTPLATFORM_TOKEN"
	metaArtifactURL = "TESTPLATFORM_ARTIFACT_URL"
	metaTestID      = "TESTPLATFORM_TEST_ID"
)

// PlatformSpec holds the per-platform image and sizing.
type PlatformSpec struct {
	// Image is the self-link or family URL of the worker image.
	Image string `yaml:"image"`
	// MachineType is the Compute Engine machine type. Default: e2-medium.
	MachineType string `yaml:"machine_type"`
	// DiskSizeGB is the boot disk size. Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`
}

// GCPConfig holds Compute Engine settings. Authentication uses
// Application Default Credentials; there are no credential fields here.
type GCPConfig struct {
	Project string `yaml:"project"`
	Zone    string `yaml:"zone"`
	// Network is the VPC network. Default: "default".
	Network string `yaml:"network"`
	// Subnet is the subnetwork. If empty, the zone's default is used.
	Subnet string `yaml:"subnet"`
	// ServiceAccount is attached to worker VMs when set.
	ServiceAccount string `yaml:"service_account"`

	Platforms map[models.TestPlatform]PlatformSpec `yaml:"platforms"`
}

// GCP implements Cloud on Google Compute Engine.
type GCP struct {
	client *compute.InstancesClient
	cfg    GCPConfig
	logger *slog.Logger
}

var _ Cloud = (*GCP)(nil)

// NewGCP creates a Compute Engine backend using Application Default
// Credentials.
func NewGCP(ctx context.Context, cfg GCPConfig, logger *slog.Logger) (*GCP, error) {
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	for platform, spec := range cfg.Platforms {
		if spec.MachineType == "" {
			spec.MachineType = "e2-medium"
		}
		if spec.DiskSizeGB == 0 {
			spec.DiskSizeGB = 50
		}
		cfg.Platforms[platform] = spec
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp backend initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
	)

	return &GCP{client: client, cfg: cfg, logger: logger}, nil
}

// CreateInstance provisions one worker VM and blocks until the insert
// operation finishes.
func (g *GCP) CreateInstance(ctx context.Context, spec CreateSpec) error {
	platformSpec, ok := g.cfg.Platforms[spec.Platform]
	if !ok {
		return fmt.Errorf("no image configured for platform %s", spec.Platform)
	}

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", g.cfg.Zone, platformSpec.MachineType)

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(platformSpec.Image),
			DiskSizeGb:  proto.Int64(platformSpec.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", g.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", g.cfg.Network)),
		AccessConfigs: []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		},
	}
	if g.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(g.cfg.Subnet)
	}

	metadata := &computepb.Metadata{
		Items: []*computepb.Items{
			{Key: proto.String(metaCallbackURL), Value: proto.String(spec.CallbackURL)},
			{Key: proto.String(metaToken), Value: proto.String(spec.Token)},
			{Key: proto.String(metaArtifactURL), Value: proto.String(spec.ArtifactURL)},
			{Key: proto.String(metaTestID), Value: proto.String(fmt.Sprintf("%d", spec.TestID))},
		},
	}

	instance := &computepb.Instance{
		Name:              proto.String(spec.Name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          metadata,
	}

	if g.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(g.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/devstorage.read_only"},
			},
		}
	}

	g.logger.Info("creating worker VM",
		slog.String("name", spec.Name),
		slog.String("platform", string(spec.Platform)),
		slog.String("machine_type", platformSpec.MachineType),
	)

	op, err := g.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          g.cfg.Project,
		Zone:             g.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", spec.Name, err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for instance %s: %w", spec.Name, err)
	}

	g.logger.Info("worker VM running", slog.String("name", spec.Name))
	return nil
}

// DeleteInstance deletes the VM. Deleting an already-deleted VM is not
// an error.
func (g *GCP) DeleteInstance(ctx context.Context, name string) error {
	op, err := g.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  g.cfg.Project,
		Zone:     g.cfg.Zone,
		Instance: name,
	})
	if err != nil {
		if isNotFound(err) {
			g.logger.Info("worker VM already deleted", slog.String("name", name))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", name, err)
	}

	if err := op.Wait(ctx); err != nil {
		// A 404 during the wait is the same race, also fine.
		if isNotFound(err) {
			g.logger.Info("worker VM already deleted", slog.String("name", name))
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", name, err)
	}

	g.logger.Info("worker VM deleted", slog.String("name", name))
	return nil
}

// Close releases the underlying API client.
func (g *GCP) Close() error {
	return g.client.Close()
}

// isNotFound reports whether err is a 404 from the GCP API. The compute
// library wraps googleapi.Error through several layers, so matching the
// rendered message is the approach that survives version changes.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
