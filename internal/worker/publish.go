package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"social-publisher/internal/facebook"
	"social-publisher/internal/models"
)

// maxAttachedImages is the platform cap on media objects per feed post.
const maxAttachedImages = 4

// publishResult carries the remote identifiers of a completed publish.
// Permalink is best-effort and may be empty.
type publishResult struct {
	PostID    string
	Permalink string
}

// publish performs the remote call for one job, choosing the upload strategy
// by image count for create/update and the delete path otherwise.
func (p *Processor) publish(ctx context.Context, pub Publisher, job models.SocialJob) (publishResult, error) {
	if job.Action == models.ActionDelete {
		return p.publishDelete(ctx, pub, job)
	}

	message := buildMessage(job.Post, p.cfg.MessageLimit)
	images := job.Post.Images
	if len(images) > maxAttachedImages {
		images = images[:maxAttachedImages]
	}

	var postID string
	var err error
	switch len(images) {
	case 0:
		postID, err = pub.CreateTextPost(ctx, message)
	case 1:
		postID, err = pub.CreatePhotoPost(ctx, message, images[0].URL)
	default:
		postID, err = p.publishMultiPhoto(ctx, pub, message, images)
	}
	if err != nil {
		return publishResult{}, err
	}

	return publishResult{PostID: postID, Permalink: p.resolvePermalink(ctx, pub, postID)}, nil
}

// publishMultiPhoto uploads each image as an unpublished media object and
// then creates one feed post referencing all of them. The URL-based upload is
// tried first; a platform rejection of the URL or the file falls back to
// downloading the binary and re-uploading it.
func (p *Processor) publishMultiPhoto(ctx context.Context, pub Publisher, message string, images []models.ImageRef) (string, error) {
	mediaIDs := make([]string, 0, len(images))
	for _, img := range images {
		id, err := p.uploadImage(ctx, pub, img)
		if err != nil {
			return "", fmt.Errorf("upload image %s: %w", img.ID, err)
		}
		mediaIDs = append(mediaIDs, id)
	}
	return pub.CreateFeedPostWithMedia(ctx, message, mediaIDs)
}

// uploadImage is the explicit two-step attempt: URL upload, then binary
// fallback only when the platform reported the media itself as unusable.
// Any other failure propagates for the normal retry machinery.
func (p *Processor) uploadImage(ctx context.Context, pub Publisher, img models.ImageRef) (string, error) {
	id, err := pub.UploadPhotoByURL(ctx, img.URL)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, facebook.ErrMediaRejected) {
		return "", err
	}

	p.log.Debug().Str("image_id", img.ID).Str("url", img.URL).Msg("url upload rejected, falling back to binary")
	data, fetchErr := pub.FetchMedia(ctx, img.URL)
	if fetchErr != nil {
		return "", fmt.Errorf("binary fallback fetch: %w", fetchErr)
	}
	return pub.UploadPhotoBinary(ctx, imageFilename(img), data)
}

// publishDelete removes the previously published object. When no prior id is
// on record the legacy fallback publishes a takedown notice instead; the flag
// preserves that observed behavior while letting operators disable it.
func (p *Processor) publishDelete(ctx context.Context, pub Publisher, job models.SocialJob) (publishResult, error) {
	rec, found, err := p.outcomes.GetOutcome(ctx, job.Post.EntityID, job.Platform)
	if err != nil {
		return publishResult{}, fmt.Errorf("lookup prior outcome: %w", err)
	}

	if found && rec.SocialPostID != nil && *rec.SocialPostID != "" {
		if err := pub.DeletePost(ctx, *rec.SocialPostID); err != nil {
			return publishResult{}, err
		}
		return publishResult{PostID: *rec.SocialPostID}, nil
	}

	if !p.cfg.DeleteAnnounceFallback {
		return publishResult{}, nil
	}

	postID, err := pub.CreateTextPost(ctx, buildTakedownMessage(job.Post, p.cfg.MessageLimit))
	if err != nil {
		return publishResult{}, err
	}
	return publishResult{PostID: postID, Permalink: p.resolvePermalink(ctx, pub, postID)}, nil
}

// resolvePermalink is best-effort: a failure leaves the permalink empty and
// never fails the job.
func (p *Processor) resolvePermalink(ctx context.Context, pub Publisher, postID string) string {
	if postID == "" {
		return ""
	}
	permalink, err := pub.ResolvePermalink(ctx, postID)
	if err != nil {
		p.log.Warn().Err(err).Str("social_post_id", postID).Msg("permalink resolution failed")
		return ""
	}
	return permalink
}

// buildMessage assembles the post body from the snapshot and clamps it to the
// platform limit.
func buildMessage(post models.PostSnapshot, limit int) string {
	sections := make([]string, 0, 4)
	if post.Title != "" {
		sections = append(sections, post.Title)
	}
	if post.Summary != "" {
		sections = append(sections, post.Summary)
	}
	if len(post.Contacts) > 0 {
		values := make([]string, 0, len(post.Contacts))
		for _, c := range post.Contacts {
			values = append(values, c.Value)
		}
		sections = append(sections, "Contact: "+strings.Join(values, ", "))
	}
	if post.URL != "" {
		sections = append(sections, post.URL)
	}
	return clampRunes(strings.Join(sections, "\n\n"), limit)
}

func buildTakedownMessage(post models.PostSnapshot, limit int) string {
	msg := "This report has been removed."
	if post.Title != "" {
		msg = fmt.Sprintf("The report %q has been removed.", post.Title)
	}
	return clampRunes(msg, limit)
}

func clampRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func imageFilename(img models.ImageRef) string {
	base := path.Base(img.URL)
	if base == "." || base == "/" || base == "" {
		base = img.ID + ".jpg"
	}
	if i := strings.IndexByte(base, '?'); i > 0 {
		base = base[:i]
	}
	return base
}
