package handler

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// Recognized Upload-Metadata keys. Everything else is preserved verbatim in
// Metadata.Extra.
const (
	metaUserID       = "userId"
	metaStage        = "stage"
	metaFilename     = "filename"
	metaRelativePath = "relativePath"
	metaFiletype     = "filetype"
	metaMultipartID  = "multipartId"
	metaPartIndex    = "partIndex"
	metaTotalParts   = "totalParts"
)

// Metadata is the typed view of an upload's client-supplied metadata. The
// recognized keys drive routing and object key derivation, unrecognized keys
// are carried along untouched.
type Metadata struct {
	UserID       string `json:"userId,omitempty"`
	Stage        string `json:"stage,omitempty"`
	Filename     string `json:"filename,omitempty"`
	RelativePath string `json:"relativePath,omitempty"`
	Filetype     string `json:"filetype,omitempty"`

	// MultipartID groups the parts of a client-side split upload. PartIndex
	// is -1 unless the client sent a valid integer.
	MultipartID string `json:"multipartId,omitempty"`
	PartIndex   int    `json:"partIndex"`
	TotalParts  int    `json:"totalParts,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// ParseMetadata builds the typed view from the raw metadata pairs. Integer
// fields that are missing or malformed are treated as absent, so a bad
// partIndex routes the upload through the single-file path instead of
// corrupting an assembly.
func ParseMetadata(raw MetaData) Metadata {
	meta := Metadata{
		UserID:       raw[metaUserID],
		Stage:        raw[metaStage],
		Filename:     raw[metaFilename],
		RelativePath: raw[metaRelativePath],
		Filetype:     raw[metaFiletype],
		MultipartID:  raw[metaMultipartID],
		PartIndex:    -1,
	}

	if v, err := strconv.Atoi(raw[metaPartIndex]); err == nil && v >= 0 {
		meta.PartIndex = v
	}
	if v, err := strconv.Atoi(raw[metaTotalParts]); err == nil && v > 0 {
		meta.TotalParts = v
	}

	for key, value := range raw {
		switch key {
		case metaUserID, metaStage, metaFilename, metaRelativePath, metaFiletype,
			metaMultipartID, metaPartIndex, metaTotalParts:
		default:
			if meta.Extra == nil {
				meta.Extra = make(map[string]string)
			}
			meta.Extra[key] = value
		}
	}

	return meta
}

// IsMultipart reports whether the metadata describes one part of a
// client-side split upload. All three multipart fields must be present and
// consistent, otherwise the upload is treated as a single file.
func (m Metadata) IsMultipart() bool {
	return m.MultipartID != "" && m.PartIndex >= 0 && m.TotalParts > 1
}

// ParseMetadataHeader parses the Upload-Metadata header as defined in the
// File Creation extension.
// e.g. Upload-Metadata: name bHVucmpzLnBuZw==,type aW1hZ2UvcG5n
func ParseMetadataHeader(header string) MetaData {
	meta := make(MetaData)

	for _, element := range strings.Split(header, ",") {
		element := strings.TrimSpace(element)

		parts := strings.Split(element, " ")

		if len(parts) > 2 {
			continue
		}

		key := parts[0]
		if key == "" {
			continue
		}

		value := ""
		if len(parts) == 2 {
			// Ignore current element if the value is no valid base64
			dec, err := base64.StdEncoding.DecodeString(parts[1])
			if err != nil {
				continue
			}

			value = string(dec)
		}

		meta[key] = value
	}

	return meta
}

// SerializeMetadataHeader serializes a map of strings into the Upload-Metadata
// header format used in the response for HEAD requests.
// e.g. Upload-Metadata: name bHVucmpzLnBuZw==,type aW1hZ2UvcG5n
func SerializeMetadataHeader(meta MetaData) string {
	header := ""
	for key, value := range meta {
		valueBase64 := base64.StdEncoding.EncodeToString([]byte(value))
		header += key + " " + valueBase64 + ","
	}

	// Remove trailing comma
	if len(header) > 0 {
		header = header[:len(header)-1]
	}

	return header
}
