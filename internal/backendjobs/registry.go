// Copyright 2026 NVIDIA Corporation
package backendjobs

import (
	"fmt"
)

func decodeJob[T Job](raw []byte) (Job, error) {
	v, err := decodeAs[T](raw)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Decode turns a serialized backend job back into its concrete type by the
// job_type discriminator.
func Decode(jobType string, raw []byte) (Job, error) {
	switch jobType {
	case "CreateGroup":
		return decodeJob[CreateGroup](raw)
	case "CleanupGroup":
		return decodeJob[CleanupGroup](raw)
	case "RescheduleTask":
		return decodeJob[RescheduleTask](raw)
	case "LabelNode":
		return decodeJob[LabelNode](raw)
	case "BackendSynchronizeQueues":
		return decodeJob[SynchronizeQueues](raw)
	case "BackendSynchronizeBackendTest":
		return decodeJob[SynchronizeBackendTest](raw)
	}
	return nil, fmt.Errorf("unknown backend job type %q", jobType)
}

// Types lists the registered backend job types; the backend worker drains
// one queue per type.
func Types() []string {
	return []string{
		"CreateGroup",
		"CleanupGroup",
		"RescheduleTask",
		"LabelNode",
		"BackendSynchronizeQueues",
		"BackendSynchronizeBackendTest",
	}
}
