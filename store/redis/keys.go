package redis

// Redis key naming conventions for pipewright data.
// All keys are prefixed with "pipewright:" to avoid collisions.

const keyPrefix = "pipewright:"

// projectKey returns the key for a project document: pipewright:project:{id}
func projectKey(id string) string { return keyPrefix + "project:" + id }

// projectIDsKey is the Set tracking all project ids for enumeration.
const projectIDsKey = keyPrefix + "project_ids"

// checkpointKey returns the key for a checkpoint: pipewright:checkpoint:{id}
func checkpointKey(id string) string { return keyPrefix + "checkpoint:" + id }

// checkpointIndexKey returns the List key tracking a project's
// checkpoint ids in creation order.
func checkpointIndexKey(projectID string) string {
	return keyPrefix + "checkpoint_idx:" + projectID
}
