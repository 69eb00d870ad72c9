package receiver

import (
	"context"
	"errors"
	"fmt"

	"github.com/austindbirch/harbor_sync/internal/content"
	"github.com/austindbirch/harbor_sync/internal/payload"
	"github.com/austindbirch/harbor_sync/internal/syncerr"
)

const (
	MatchSlug  = "slug"
	MatchTitle = "title"
)

// Matcher finds the local entity an inbound post corresponds to. It
// returns nil without error when there is none.
type Matcher interface {
	Match(ctx context.Context, store content.Store, post payload.Post) (*content.Entity, error)
}

// NewMatcher returns the matcher for a strategy name. Empty means slug.
func NewMatcher(strategy string) (Matcher, error) {
	switch strategy {
	case "", MatchSlug:
		return SlugMatcher{}, nil
	case MatchTitle:
		return TitleMatcher{}, nil
	default:
		return nil, fmt.Errorf("unknown match strategy %q", strategy)
	}
}

// SlugMatcher matches on slug within the entity type.
type SlugMatcher struct{}

func (SlugMatcher) Match(ctx context.Context, store content.Store, post payload.Post) (*content.Entity, error) {
	if post.Slug == "" {
		return nil, nil
	}
	return found(store.FindBySlug(ctx, post.Type, post.Slug))
}

// TitleMatcher matches on the previous title first, so a rename on the
// source still finds the copy made under the old name.
type TitleMatcher struct{}

func (TitleMatcher) Match(ctx context.Context, store content.Store, post payload.Post) (*content.Entity, error) {
	if post.OldTitle != "" && post.OldTitle != post.Title {
		e, err := found(store.FindByTitle(ctx, post.Type, post.OldTitle))
		if e != nil || err != nil {
			return e, err
		}
	}
	return found(store.FindByTitle(ctx, post.Type, post.Title))
}

func found(e *content.Entity, err error) (*content.Entity, error) {
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil, nil
	}
	return e, err
}
