package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"

	"setu/core/auth"
	"setu/core/live"
	"setu/core/media"
	"setu/core/store"
	"setu/core/utils"
)

const (
	MaxTextLen    = 2000
	DefaultWindow = 50
)

var (
	ErrEmptyMessage = errors.New("message needs text or an image")
	ErrTextTooLong  = errors.New("message text too long")
)

type Image struct {
	Filename string
	Body     io.Reader
}

// Service is the community chat: append-only, read as the newest window in
// ascending order.
type Service struct {
	messages store.ChatStore
	uploader *media.Uploader
	hub      *live.Hub
	window   int
	logger   *utils.Logger
}

func NewService(messages store.ChatStore, uploader *media.Uploader, hub *live.Hub, window int, logger *utils.Logger) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{messages: messages, uploader: uploader, hub: hub, window: window, logger: logger}
}

func (s *Service) Post(ctx context.Context, viewer auth.Viewer, text string, image *Image) (*store.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" && (image == nil || image.Body == nil) {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxTextLen {
		return nil, ErrTextTooLong
	}
	msg := &store.ChatMessage{
		ID:         uuid.Must(uuid.NewV7()).String(),
		AuthorID:   viewer.UserID,
		AuthorRole: viewer.Role,
		AuthorName: viewer.DisplayName,
		Text:       text,
	}
	var obj *media.Object
	if image != nil && image.Body != nil {
		var err error
		obj, err = s.uploader.PutImage(ctx, fmt.Sprintf("chat-images/%s", viewer.UserID), image.Filename, image.Body)
		if err != nil {
			return nil, err
		}
		msg.ImageURL = obj.URL
	}
	if err := s.messages.AddMessage(ctx, msg); err != nil {
		s.uploader.Discard(context.WithoutCancel(ctx), obj)
		return nil, utils.Retryable("post chat message", err)
	}
	s.hub.Publish(ctx, live.Event{Topic: live.TopicChat, Key: msg.ID})
	return msg, nil
}

// Recent returns up to n of the newest messages, oldest first.
func (s *Service) Recent(ctx context.Context, n int) ([]store.ChatMessage, error) {
	if n <= 0 || n > s.window {
		n = s.window
	}
	items, err := s.messages.RecentMessages(ctx, n)
	if err != nil {
		return nil, utils.Retryable("load chat", err)
	}
	if items == nil {
		items = []store.ChatMessage{}
	}
	return items, nil
}

func (s *Service) Subscribe(ctx context.Context) (*live.Subscription[[]store.ChatMessage], error) {
	query := func(ctx context.Context) ([]store.ChatMessage, error) { return s.Recent(ctx, s.window) }
	return live.Watch(ctx, s.hub, live.TopicChat, query, func(items []store.ChatMessage) string {
		if len(items) == 0 {
			return ""
		}
		return items[len(items)-1].ID + ":" + strconv.Itoa(len(items))
	}, s.logger)
}
