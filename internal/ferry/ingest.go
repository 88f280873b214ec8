package ferry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrResourceExpired marks a fetch that failed because the platform no
// longer serves the resource. The user-facing reply distinguishes it from
// transient fetch failures.
var ErrResourceExpired = errors.New("resource expired or no longer available")

// ResourceKind is the platform's media classification for an event.
type ResourceKind string

const (
	KindImage    ResourceKind = "image"
	KindVideo    ResourceKind = "video"
	KindVoice    ResourceKind = "voice"
	KindDocument ResourceKind = "file"
)

// InboundFileEvent is one file-bearing message event from the platform.
type InboundFileEvent struct {
	EventID    string
	ChatID     string
	MessageID  string
	ResourceID string
	FileName   string
	Kind       ResourceKind
}

// ResourceFetcher downloads the media payload for an event.
type ResourceFetcher interface {
	FetchResource(ctx context.Context, messageID, resourceID string, kind ResourceKind) (io.ReadCloser, error)
}

// TextSender posts a text reply back into the originating chat.
type TextSender interface {
	SendText(ctx context.Context, chatID, text string) error
}

type PipelineOptions struct {
	Dedup   *DedupCache
	Fetcher ResourceFetcher
	Sender  TextSender
	Store   *Store
	// StagingDir receives the downloaded payload before the store moves it
	// into the blob directory. Must sit on the same filesystem as the blob
	// dir so the move is a rename.
	StagingDir   string
	FetchTimeout time.Duration
}

// Pipeline turns platform file events into pending records. Duplicates are
// dropped before any side effect; fetch or store failures leave no record
// behind so the event can be redelivered and retried.
type Pipeline struct {
	dedup        *DedupCache
	fetcher      ResourceFetcher
	sender       TextSender
	store        *Store
	stagingDir   string
	fetchTimeout time.Duration
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("resource fetcher is required")
	}
	if strings.TrimSpace(opts.StagingDir) == "" {
		return nil, errors.New("staging dir is required")
	}
	if err := os.MkdirAll(opts.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if opts.Dedup == nil {
		opts.Dedup = NewDedupCache(0, 0)
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 2 * time.Minute
	}
	return &Pipeline{
		dedup:        opts.Dedup,
		fetcher:      opts.Fetcher,
		sender:       opts.Sender,
		store:        opts.Store,
		stagingDir:   opts.StagingDir,
		fetchTimeout: opts.FetchTimeout,
	}, nil
}

// HandleEvent processes one inbound event. Returning an error signals the
// caller that no record was written; the dedup entry is already recorded so
// a same-ID redelivery will be dropped.
func (p *Pipeline) HandleEvent(ctx context.Context, ev InboundFileEvent) error {
	if strings.TrimSpace(ev.EventID) == "" || strings.TrimSpace(ev.MessageID) == "" || strings.TrimSpace(ev.ResourceID) == "" {
		return fmt.Errorf("%w: event is missing identifiers", ErrInvalidInput)
	}
	if p.dedup.Seen(ev.EventID) {
		ingestDuplicates.Inc()
		return nil
	}

	p.reply(ctx, ev.ChatID, fmt.Sprintf("Received %s, fetching it now.", displayName(ev)))

	staged, err := p.fetchToStaging(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrResourceExpired) {
			ingestFailures.WithLabelValues("expired").Inc()
			p.reply(ctx, ev.ChatID, fmt.Sprintf("Sorry, %s has expired on the platform and can no longer be fetched.", displayName(ev)))
		} else {
			ingestFailures.WithLabelValues("fetch").Inc()
			p.reply(ctx, ev.ChatID, fmt.Sprintf("Fetching %s failed, please resend it.", displayName(ev)))
		}
		return err
	}

	rec, err := p.store.AddFile(staged, ev.FileName)
	if err != nil {
		if rmErr := os.Remove(staged); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Printf("discard staged blob %s: %v", staged, rmErr)
		}
		ingestFailures.WithLabelValues("store").Inc()
		p.reply(ctx, ev.ChatID, fmt.Sprintf("Storing %s failed, please resend it.", displayName(ev)))
		return err
	}

	ingestAccepted.Inc()
	p.reply(ctx, ev.ChatID, fmt.Sprintf("%s is queued for sync as %s.", displayName(ev), rec.FileName))
	return nil
}

func (p *Pipeline) fetchToStaging(ctx context.Context, ev InboundFileEvent) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	body, err := p.fetcher.FetchResource(fetchCtx, ev.MessageID, ev.ResourceID, ev.Kind)
	if err != nil {
		return "", fmt.Errorf("fetch resource %s: %w", ev.ResourceID, err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(p.stagingDir, "stage-*"+stagingExt(ev))
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download resource %s: %w", ev.ResourceID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("flush staging file: %w", err)
	}
	return tmp.Name(), nil
}

// reply is best effort; a lost chat message never blocks or fails ingestion.
func (p *Pipeline) reply(ctx context.Context, chatID, text string) {
	if p.sender == nil || strings.TrimSpace(chatID) == "" {
		return
	}
	if err := p.sender.SendText(ctx, chatID, text); err != nil {
		log.Printf("chat reply to %s failed: %v", chatID, err)
	}
}

// stagingExt is the extension the staged file carries into the store, where
// it becomes the inferred extension of the default file name when the event
// declared none.
func stagingExt(ev InboundFileEvent) string {
	if ext := strings.ToLower(filepath.Ext(ev.FileName)); ext != "" {
		return ext
	}
	switch ev.Kind {
	case KindImage:
		return ".jpg"
	case KindVideo:
		return ".mp4"
	case KindVoice:
		return ".ogg"
	default:
		return ""
	}
}

func displayName(ev InboundFileEvent) string {
	if name := strings.TrimSpace(ev.FileName); name != "" {
		return name
	}
	switch ev.Kind {
	case KindImage:
		return "the image"
	case KindVideo:
		return "the video"
	case KindVoice:
		return "the voice message"
	default:
		return "the file"
	}
}
