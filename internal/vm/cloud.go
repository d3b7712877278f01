// Package vm manages the lifecycle of the cloud VMs that execute test
// runs: provisioning, teardown, and the runtime watchdog.
package vm

import (
	"context"

	"github.com/capmedia/testplatform/internal/models"
)

// CreateSpec describes one VM to provision. The callback fields are
// injected as instance metadata so the worker inside the VM can report
// progress back without any other credential.
type CreateSpec struct {
	Name        string
	Platform    models.TestPlatform
	TestID      int64
	CallbackURL string
	Token       string
	ArtifactURL string
}

// Cloud abstracts the compute provider. Implementations must make
// DeleteInstance idempotent: deleting an absent instance succeeds.
type Cloud interface {
	CreateInstance(ctx context.Context, spec CreateSpec) error
	DeleteInstance(ctx context.Context, name string) error
}
