package upload

import (
	"encoding/json"

	"github.com/google/uuid"
)

// WorkItem is the conversion job published to the broker. Field order is the
// wire key order the converter expects; tags is always present, possibly
// empty.
type WorkItem struct {
	UUID             string `json:"uuid"`
	KeycloakUserID   string `json:"keycloak_user_id"`
	PathToWSITarball string `json:"path_to_wsi_tarball"`
	PathInTarball    string `json:"path_in_tarball_for_openslide"`
	Tags             []Tag  `json:"tags"`
}

// NewWorkItem composes the job description for one upload. Tag order is
// preserved from the envelope.
func NewWorkItem(id uuid.UUID, callerID, archivePath, pathInTarball string, tags []Tag) WorkItem {
	if tags == nil {
		tags = []Tag{}
	}
	return WorkItem{
		UUID:             id.String(),
		KeycloakUserID:   callerID,
		PathToWSITarball: archivePath,
		PathInTarball:    pathInTarball,
		Tags:             tags,
	}
}

// Encode serializes the work item. The encoding is a pure function of the
// item's fields; identical inputs produce byte-identical output.
func (w WorkItem) Encode() ([]byte, error) {
	return json.Marshal(w)
}
