package handler

// UploadDescriptor is the finalization event emitted on the FinishedUploads
// channel once an upload's staged bytes are complete. It carries everything
// the finalization pipeline needs, so consumers never reach back into the
// request that produced it.
type UploadDescriptor struct {
	// ID is the upload id assigned at creation.
	ID string
	// Size is the declared and, at this point, fully received length.
	Size int64
	// StagedPath is the absolute path of the staged body on local disk.
	StagedPath string
	// Meta is the typed view of the upload's metadata.
	Meta Metadata
}

func newUploadDescriptor(info FileInfo) UploadDescriptor {
	return UploadDescriptor{
		ID:         info.ID,
		Size:       info.Size,
		StagedPath: info.Storage["Path"],
		Meta:       ParseMetadata(info.MetaData),
	}
}
