// Package model はドメインモデルを定義する。
package model

import "time"

// User はCRMと同期されるローカルユーザーを表す。
// ContactIDはCRM側のコンタクトIDで、未登録の場合は空文字列。
type User struct {
	ID        int64
	Email     string
	ContactID string
	Tags      []string
	Lists     []string
	Meta      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasContact はCRM側のコンタクトと紐付いているかを返す。
func (u *User) HasContact() bool {
	return u.ContactID != ""
}
