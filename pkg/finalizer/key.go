package finalizer

import (
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/wedocs/ingestd/pkg/handler"
)

const (
	defaultUserID = "default-user"
	defaultStage  = "raw"
)

// ObjectKeyFor derives the remote key for an upload:
//
//	users/<userId>/uploads/<id>/<stage>/<relativePath>
//
// where id is the upload id, or the multipart id for assembled uploads. The
// relative path falls back to the filename and then to the id, is cleaned,
// and must stay inside the key prefix: absolute paths and upward escapes are
// rejected rather than rewritten.
func ObjectKeyFor(id string, meta handler.Metadata) (string, error) {
	rel := meta.RelativePath
	if rel == "" {
		rel = meta.Filename
	}
	if rel == "" {
		rel = id
	}

	if path.IsAbs(rel) {
		return "", errors.Errorf("finalizer: relative path %q is absolute", rel)
	}
	rel = path.Clean(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.Errorf("finalizer: relative path %q escapes the key prefix", rel)
	}

	return path.Join("users", userOrDefault(meta.UserID), "uploads", id, stageOrDefault(meta.Stage), rel), nil
}

func userOrDefault(userID string) string {
	if userID == "" {
		return defaultUserID
	}
	return userID
}

func stageOrDefault(stage string) string {
	if stage == "" {
		return defaultStage
	}
	return stage
}
