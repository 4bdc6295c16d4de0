package chat

import (
	"errors"
	"sort"
	"strings"
)

var ErrEmptyEmoji = errors.New("emoji is required")

// Reactions maps an emoji to the ordered set of user ids that reacted with it.
type Reactions map[string][]string

// ReactionGroup 用于展示：emoji、人数，以及当前用户是否已点过（高亮）。
type ReactionGroup struct {
	Emoji  string   `json:"emoji"`
	Count  int      `json:"count"`
	Users  []string `json:"users"`
	Active bool     `json:"active"`
}

// Has reports whether userID reacted with emoji.
func (r Reactions) Has(emoji, userID string) bool {
	for _, id := range r[emoji] {
		if id == userID {
			return true
		}
	}
	return false
}

// Toggle returns a copy with userID removed from emoji when present, or
// appended otherwise. Emoji keys whose set becomes empty are dropped.
func (r Reactions) Toggle(emoji, userID string) Reactions {
	out := r.Clone()
	if out == nil {
		out = make(Reactions, 1)
	}

	users := out[emoji]
	if r.Has(emoji, userID) {
		kept := make([]string, 0, len(users))
		for _, id := range users {
			if id != userID {
				kept = append(kept, id)
			}
		}
		users = kept
	} else {
		users = append(users, userID)
	}

	if len(users) == 0 {
		delete(out, emoji)
	} else {
		out[emoji] = users
	}
	return out
}

// Clone deep-copies the map and its user slices.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, users := range r {
		out[emoji] = append([]string(nil), users...)
	}
	return out
}

// Normalize drops empty keys and duplicate user ids, keeping first occurrence.
func (r Reactions) Normalize() Reactions {
	out := make(Reactions, len(r))
	for emoji, users := range r {
		if strings.TrimSpace(emoji) == "" {
			continue
		}
		seen := make(map[string]struct{}, len(users))
		kept := make([]string, 0, len(users))
		for _, id := range users {
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			kept = append(kept, id)
		}
		if len(kept) > 0 {
			out[emoji] = kept
		}
	}
	return out
}

// Groups returns the renderable reactions for viewer: only non-empty sets,
// sorted by emoji for a stable layout.
func (r Reactions) Groups(viewer string) []ReactionGroup {
	groups := make([]ReactionGroup, 0, len(r))
	for emoji, users := range r {
		if len(users) == 0 {
			continue
		}
		groups = append(groups, ReactionGroup{
			Emoji:  emoji,
			Count:  len(users),
			Users:  append([]string(nil), users...),
			Active: r.Has(emoji, viewer),
		})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Emoji < groups[j].Emoji })
	return groups
}
