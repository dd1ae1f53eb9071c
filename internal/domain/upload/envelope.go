package upload

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Extension URL suffixes identifying the gateway's two custom extension
// groups on the DocumentReference envelope. Matching is by suffix because the
// StructureDefinition base URL differs per deployment.
const (
	extSuffixPathInTarball = "/StructureDefinition/PathInTarball"
	extSuffixDicomTag      = "/StructureDefinition/DicomTag"
)

// Sub-extension keys of a DicomTag extension.
const (
	dicomTagKeyURL   = "dcm_key"
	dicomTagValueURL = "dcm_value"
)

// Tag is one DICOM key/value pair supplied alongside the archive.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Envelope is the extracted payload of an inbound DocumentReference: the
// archive bytes, the path of the slide file inside the archive, and the
// DICOM tag pairs destined for the converter.
type Envelope struct {
	Data          []byte
	ContentType   string
	PathInTarball string
	Tags          []Tag
}

type docRefExtension struct {
	URL         string            `json:"url"`
	ValueString string            `json:"valueString"`
	Extension   []docRefExtension `json:"extension"`
}

type docRefAttachment struct {
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

type docRefContent struct {
	Attachment docRefAttachment `json:"attachment"`
}

type docRefResource struct {
	ResourceType string            `json:"resourceType"`
	Content      []docRefContent   `json:"content"`
	Extension    []docRefExtension `json:"extension"`
}

// ParseEnvelope extracts the archive and metadata extensions from a
// DocumentReference body. Validation covers only what the ingestion pipeline
// needs: resource type, non-empty attachment data, exactly one PathInTarball
// extension, and well-formed DicomTag pairs. MIME types and DICOM tag
// semantics are not checked here.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var res docRefResource
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDocumentReference, err)
	}
	if res.ResourceType != "DocumentReference" {
		return nil, fmt.Errorf("%w: got %q", ErrNotDocumentReference, res.ResourceType)
	}
	if len(res.Content) == 0 || len(res.Content[0].Attachment.Data) == 0 {
		return nil, ErrEmptyAttachment
	}

	env := &Envelope{
		Data:        res.Content[0].Attachment.Data,
		ContentType: res.Content[0].Attachment.ContentType,
		Tags:        []Tag{},
	}

	paths := 0
	for _, ext := range res.Extension {
		switch {
		case strings.HasSuffix(ext.URL, extSuffixPathInTarball):
			paths++
			env.PathInTarball = ext.ValueString
		case strings.HasSuffix(ext.URL, extSuffixDicomTag):
			tag, err := parseDicomTag(ext)
			if err != nil {
				return nil, err
			}
			env.Tags = append(env.Tags, tag)
		}
	}
	if paths != 1 {
		return nil, fmt.Errorf("%w: found %d", ErrPathCardinality, paths)
	}

	return env, nil
}

// parseDicomTag pulls the dcm_key / dcm_value sub-extensions out of one
// DicomTag extension.
func parseDicomTag(ext docRefExtension) (Tag, error) {
	var tag Tag
	var haveKey, haveValue bool
	for _, sub := range ext.Extension {
		switch sub.URL {
		case dicomTagKeyURL:
			tag.Key = sub.ValueString
			haveKey = true
		case dicomTagValueURL:
			tag.Value = sub.ValueString
			haveValue = true
		}
	}
	if !haveKey || !haveValue {
		return Tag{}, ErrTagShape
	}
	return tag, nil
}
