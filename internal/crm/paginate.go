package crm

import "context"

// PageFetcher は1ページ分の結果を取得する。
type PageFetcher[T any] func(ctx context.Context, offset, limit int) ([]T, error)

// Paginate は固定のページサイズでfetchを繰り返し、全ページの結果を連結して返す。
// 直前のページが満杯である間は次のページを取得し、満杯でないページで終了する。
// 途中のページで失敗した場合はエラーだけを返し、取得済みの結果は捨てる。
func Paginate[T any](ctx context.Context, pageSize int, fetch PageFetcher[T]) ([]T, error) {
	if pageSize <= 0 {
		pageSize = 1
	}

	var all []T
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := fetch(ctx, offset, pageSize)
		if err != nil {
			return nil, err
		}

		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}
