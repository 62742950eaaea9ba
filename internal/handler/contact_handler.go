package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/crmsync/internal/middleware"
	"github.com/hitoshi/crmsync/internal/model"
	"github.com/hitoshi/crmsync/internal/syncengine"
)

// ContactEngine はコンタクト操作ハンドラーが必要とする同期エンジンのインターフェース。
type ContactEngine interface {
	ResyncContact(ctx context.Context, userID int64) *model.User
	PushUser(ctx context.Context, userID int64) (*model.User, error)
	PullUser(ctx context.Context, userID int64) (*model.User, error)
	ApplyTags(ctx context.Context, userID int64, tags []string) (*model.User, error)
	RemoveTags(ctx context.Context, userID int64, tags []string) (*model.User, error)
	SetTags(ctx context.Context, userID int64, tags []string) (*model.User, error)
	ImportByTag(ctx context.Context, tag string) (*syncengine.ImportResult, error)
}

// ContactHandler はユーザーとCRMコンタクトの同期操作のHTTPハンドラー。
type ContactHandler struct {
	engine ContactEngine
}

// NewContactHandler はContactHandlerを生成する。
func NewContactHandler(engine ContactEngine) *ContactHandler {
	return &ContactHandler{engine: engine}
}

// userResponse はユーザーのAPIレスポンス。
type userResponse struct {
	ID        int64          `json:"id"`
	Email     string         `json:"email"`
	ContactID string         `json:"contact_id,omitempty"`
	Tags      []string       `json:"tags"`
	Lists     []string       `json:"lists,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// resyncResponse は再同期結果のAPIレスポンス。
type resyncResponse struct {
	Resynced bool          `json:"resynced"`
	User     *userResponse `json:"user,omitempty"`
}

// tagsRequest はタグ操作リクエストのボディ。
type tagsRequest struct {
	Tags []string `json:"tags"`
}

// importRequest はタグ指定インポートリクエストのボディ。
type importRequest struct {
	Tag string `json:"tag"`
}

// importResponse はインポート結果のAPIレスポンス。
type importResponse struct {
	Tag      string `json:"tag"`
	Total    int    `json:"total"`
	Imported int    `json:"imported"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
}

func toUserResponse(u *model.User) *userResponse {
	tags := u.Tags
	if tags == nil {
		tags = []string{}
	}
	return &userResponse{
		ID:        u.ID,
		Email:     u.Email,
		ContactID: u.ContactID,
		Tags:      tags,
		Lists:     u.Lists,
		Meta:      u.Meta,
		UpdatedAt: u.UpdatedAt,
	}
}

// Resync はユーザーのコンタクトIDとタグをCRMから取得し直す。
// 失敗してもエラーは返さず、resynced=falseで応答する。原因はアクティビティログに記録される。
// POST /api/users/{id}/resync
func (h *ContactHandler) Resync(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	user := h.engine.ResyncContact(r.Context(), id)
	if user == nil {
		middleware.WriteJSON(w, http.StatusOK, resyncResponse{Resynced: false})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resyncResponse{Resynced: true, User: toUserResponse(user)})
}

// Push はユーザーのフィールドをCRMへ送信する。
// POST /api/users/{id}/push
func (h *ContactHandler) Push(w http.ResponseWriter, r *http.Request) {
	h.userOp(w, r, h.engine.PushUser)
}

// Pull はCRMのフィールドをユーザーに取り込む。
// POST /api/users/{id}/pull
func (h *ContactHandler) Pull(w http.ResponseWriter, r *http.Request) {
	h.userOp(w, r, h.engine.PullUser)
}

// ApplyTags はユーザーにタグを追加する。
// POST /api/users/{id}/tags/apply
func (h *ContactHandler) ApplyTags(w http.ResponseWriter, r *http.Request) {
	h.tagOp(w, r, h.engine.ApplyTags, false)
}

// RemoveTags はユーザーからタグを外す。
// POST /api/users/{id}/tags/remove
func (h *ContactHandler) RemoveTags(w http.ResponseWriter, r *http.Request) {
	h.tagOp(w, r, h.engine.RemoveTags, false)
}

// SetTags はユーザーのタグを指定の集合に置き換える。空の集合は全タグの削除を意味する。
// PUT /api/users/{id}/tags
func (h *ContactHandler) SetTags(w http.ResponseWriter, r *http.Request) {
	h.tagOp(w, r, h.engine.SetTags, true)
}

// Import はタグが付いたコンタクトをローカルユーザーとして取り込む。
// POST /api/import
func (h *ContactHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tag := strings.TrimSpace(req.Tag)
	if tag == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("tagを指定してください"))
		return
	}
	result, err := h.engine.ImportByTag(r.Context(), tag)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, importResponse{
		Tag:      tag,
		Total:    result.Total,
		Imported: result.Imported,
		Skipped:  result.Skipped,
		Failed:   result.Failed,
	})
}

func (h *ContactHandler) userOp(w http.ResponseWriter, r *http.Request, op func(context.Context, int64) (*model.User, error)) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	user, err := op(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toUserResponse(user))
}

func (h *ContactHandler) tagOp(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, []string) (*model.User, error), allowEmpty bool) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req tagsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tags := cleanTags(req.Tags)
	if len(tags) == 0 && !allowEmpty {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("tagsを1つ以上指定してください"))
		return
	}
	user, err := op(r.Context(), id, tags)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toUserResponse(user))
}

// cleanTags は前後の空白を除去し、空のタグを取り除く。
func cleanTags(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
