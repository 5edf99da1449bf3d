package app

import (
	"context"
	"net/http"

	"daybook/api/internal/blob"
	"daybook/api/internal/store"
	"daybook/api/internal/util"
)

const maxAttachmentBytes = 25 << 20

type AttachFileInput struct {
	OwnerID     string
	EntryID     string
	FileName    string
	ContentType string
	SizeBytes   int64
}

// AttachmentLink pairs stored metadata with a presigned URL. UploadURL is set
// when the attachment was just created, DownloadURL on reads.
type AttachmentLink struct {
	Attachment  store.Attachment
	UploadURL   string
	DownloadURL string
}

func (s *Service) attachmentsEnabled() *DomainError {
	if s.blobs == nil {
		return domainError(http.StatusNotImplemented, "ATTACHMENTS_DISABLED", "no object store configured", nil)
	}
	return nil
}

// AttachFile records attachment metadata against an entry and returns a
// presigned URL the client uploads the bytes to directly.
func (s *Service) AttachFile(ctx context.Context, in AttachFileInput) (AttachmentLink, error) {
	if err := s.attachmentsEnabled(); err != nil {
		return AttachmentLink{}, err
	}
	if in.OwnerID == "" || in.EntryID == "" {
		return AttachmentLink{}, validationError("ownerId and entryId are required", nil)
	}
	if in.FileName == "" {
		return AttachmentLink{}, validationError("fileName is required", nil)
	}
	if in.SizeBytes <= 0 || in.SizeBytes > maxAttachmentBytes {
		return AttachmentLink{}, validationError("file size out of range", map[string]int64{"max": maxAttachmentBytes})
	}

	attachment := store.Attachment{
		ID:          util.NewID("att"),
		EntryID:     in.EntryID,
		OwnerID:     in.OwnerID,
		ObjectKey:   blob.ObjectKey(in.OwnerID, s.now().UTC()),
		FileName:    in.FileName,
		ContentType: in.ContentType,
		SizeBytes:   in.SizeBytes,
		CreatedAt:   s.now().UTC(),
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetEntry(ctx, in.OwnerID, in.EntryID); err != nil {
			return err
		}
		return tx.InsertAttachment(ctx, attachment)
	})
	if err != nil {
		return AttachmentLink{}, mapStoreErr(err, "entry not found")
	}

	uploadURL, err := s.blobs.PresignPut(ctx, attachment.ObjectKey)
	if err != nil {
		return AttachmentLink{}, storeError(err)
	}
	return AttachmentLink{Attachment: attachment, UploadURL: uploadURL}, nil
}

// ListAttachments returns an entry's attachments with download URLs.
func (s *Service) ListAttachments(ctx context.Context, ownerID, entryID string) ([]AttachmentLink, error) {
	if err := s.attachmentsEnabled(); err != nil {
		return nil, err
	}
	if ownerID == "" || entryID == "" {
		return nil, validationError("ownerId and entryId are required", nil)
	}

	var attachments []store.Attachment
	err := s.store.InReadTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetEntry(ctx, ownerID, entryID); err != nil {
			return err
		}
		var err error
		attachments, err = tx.ListAttachments(ctx, ownerID, entryID)
		return err
	})
	if err != nil {
		return nil, mapStoreErr(err, "entry not found")
	}

	links := make([]AttachmentLink, 0, len(attachments))
	for _, a := range attachments {
		downloadURL, err := s.blobs.PresignGet(ctx, a.ObjectKey, a.FileName)
		if err != nil {
			return nil, storeError(err)
		}
		links = append(links, AttachmentLink{Attachment: a, DownloadURL: downloadURL})
	}
	return links, nil
}

// DeleteAttachment removes the metadata row, then the object best-effort.
func (s *Service) DeleteAttachment(ctx context.Context, ownerID, id string) error {
	if err := s.attachmentsEnabled(); err != nil {
		return err
	}
	if ownerID == "" || id == "" {
		return validationError("ownerId and id are required", nil)
	}

	var objectKey string
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.GetAttachment(ctx, ownerID, id)
		if err != nil {
			return err
		}
		objectKey = a.ObjectKey
		return tx.DeleteAttachment(ctx, ownerID, id)
	})
	if err != nil {
		return mapStoreErr(err, "attachment not found")
	}
	s.removeObjects(ctx, []string{objectKey})
	return nil
}
