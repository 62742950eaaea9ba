package crm

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/hitoshi/crmsync/internal/model"
)

// HealTags はコンタクトで見つかったタグのうちキャッシュにないものをキャッシュに追加する。
// 既知のタグは削除しない。catalogがnilの場合は何もしない。
func HealTags(ctx context.Context, catalog Catalog, seen []model.Tag) error {
	if catalog == nil || len(seen) == 0 {
		return nil
	}

	known := make(map[string]bool)
	for _, t := range catalog.AvailableTags() {
		known[t.ID] = true
	}

	var missing []model.Tag
	for _, t := range seen {
		if t.ID == "" || known[t.ID] {
			continue
		}
		known[t.ID] = true
		if t.Label == "" {
			t.Label = t.ID
		}
		missing = append(missing, t)
	}

	if len(missing) == 0 {
		return nil
	}
	if err := catalog.MergeTags(ctx, missing); err != nil {
		return fmt.Errorf("タグキャッシュの更新に失敗しました: %w", err)
	}
	return nil
}

// TagsFromIDs はラベル不明のタグIDをTagに変換する。
func TagsFromIDs(ids []string) []model.Tag {
	tags := make([]model.Tag, 0, len(ids))
	for _, id := range ids {
		tags = append(tags, model.Tag{ID: id, Label: id})
	}
	return tags
}

// ForEachTag はタグごとにfnを呼び出し、最初の失敗で中断する。
// 失敗までに処理したタグは元に戻さない。
func ForEachTag(ctx context.Context, tags []string, fn func(ctx context.Context, tag string) error) error {
	for _, tag := range tags {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, tag); err != nil {
			return err
		}
	}
	return nil
}

// Diff はcurrentをdesiredに一致させるために付与・削除すべきタグを返す。
// 結果は重複を含まず、昇順に並ぶ。
func Diff(current, desired []string) (add, remove []string) {
	cur := toSet(current)
	want := toSet(desired)

	for t := range want {
		if !cur[t] {
			add = append(add, t)
		}
	}
	for t := range cur {
		if !want[t] {
			remove = append(remove, t)
		}
	}
	sort.Strings(add)
	sort.Strings(remove)
	return add, remove
}

// Missing はtagsのうちhaveに含まれないものを順序を保って返す。
func Missing(tags, have []string) []string {
	var out []string
	for _, t := range tags {
		if !slices.Contains(have, t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// Present はtagsのうちhaveに含まれるものを順序を保って返す。
func Present(tags, have []string) []string {
	var out []string
	for _, t := range tags {
		if slices.Contains(have, t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, it := range items {
		if it != "" {
			s[it] = true
		}
	}
	return s
}
