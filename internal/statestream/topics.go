package statestream

// Topic namespace for the state stream.
//
//	hearth/state/<domain>/<object_id>  — retained entity state (JSON)
//	hearth/system/status               — service availability (JSON, retained)
const topicPrefix = "hearth"

// Topics builds the topic strings used by the publisher.
type Topics struct{}

// State returns the retained state topic for one entity.
func (Topics) State(domain, objectID string) string {
	return topicPrefix + "/state/" + domain + "/" + objectID
}

// SystemStatus returns the availability topic.
func (Topics) SystemStatus() string {
	return topicPrefix + "/system/status"
}
