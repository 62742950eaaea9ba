package salesforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/hitoshi/crmsync/internal/crm"
	"github.com/hitoshi/crmsync/internal/model"
)

const (
	defaultLoginURL = "https://login.salesforce.com"
	tokenPath       = "/services/oauth2/token"
)

// session はOAuthパスワードグラントで取得したアクセストークンとインスタンスURLを保持する。
// 再認証は保存済みのユーザー名とパスワードで同じグラントをやり直す。
type session struct {
	cfg    Config
	deps   crm.Deps
	logger *slog.Logger

	mu          sync.RWMutex
	loginURL    string
	username    string
	password    string
	accessToken string
	instanceURL string
}

// Apply はBearerトークンを設定し、REST APIのベースURLを返す。
func (s *session) Apply(req *resty.Request) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.accessToken != "" {
		req.SetAuthToken(s.accessToken)
	}
	if s.instanceURL == "" {
		return ""
	}
	return s.instanceURL + "/services/data/" + s.cfg.APIVersion + "/"
}

// instance はインスタンスURLを返す。nextRecordsUrlの解決に使う。
func (s *session) instance() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instanceURL
}

// setCredentials はログイン情報を保存する。
// パスワードにはセキュリティトークン（APIKey）を連結する。
func (s *session) setCredentials(creds model.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loginURL = s.cfg.LoginURL
	if creds.URL != "" {
		s.loginURL = creds.URL
	}
	s.loginURL = strings.TrimRight(s.loginURL, "/")
	s.username = creds.Username
	s.password = creds.Password + creds.APIKey
	s.accessToken = ""
	s.instanceURL = ""
}

// Reauthenticate はパスワードグラントでトークンを取得し直す。
func (s *session) Reauthenticate(ctx context.Context) error {
	s.mu.RLock()
	loginURL, username, password := s.loginURL, s.username, s.password
	s.mu.RUnlock()

	if username == "" || password == "" {
		return crm.NewError(crm.KindAuth, Slug, "authenticate", "認証情報が設定されていません")
	}

	oc := &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  loginURL + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.deps.HTTPClient)
	start := time.Now()
	tok, err := oc.PasswordCredentialsToken(ctx, username, password)
	duration := time.Since(start)

	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			statusCode := 0
			status := ""
			if re.Response != nil {
				statusCode = re.Response.StatusCode
				status = re.Response.Status
			}
			s.deps.Recorder.RecordCRMRequest(Slug, statusCode, duration)

			msg := re.ErrorDescription
			if msg == "" {
				msg = crm.ExtractMessage(re.Body)
			}
			return &crm.Error{Kind: crm.KindAuth, Vendor: Slug, Op: "authenticate", Status: status, Message: s.deps.Sanitizer.SanitizeMessage(msg), Err: err}
		}
		s.deps.Recorder.RecordCRMRequest(Slug, 0, duration)
		return &crm.Error{Kind: crm.KindTransport, Vendor: Slug, Op: "authenticate", Message: err.Error(), Err: err}
	}
	s.deps.Recorder.RecordCRMRequest(Slug, 200, duration)

	instanceURL, _ := tok.Extra("instance_url").(string)
	if instanceURL == "" {
		return crm.NewError(crm.KindAuth, Slug, "authenticate", "トークンレスポンスにinstance_urlが含まれていません")
	}

	s.mu.Lock()
	s.accessToken = tok.AccessToken
	s.instanceURL = strings.TrimRight(instanceURL, "/")
	s.mu.Unlock()

	s.logger.Info("Salesforceのアクセストークンを取得しました",
		slog.String("instance_url", instanceURL),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// soqlQuote はSOQLの文字列リテラルを生成する。
func soqlQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return fmt.Sprintf("'%s'", r.Replace(s))
}
